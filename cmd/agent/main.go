// Command agent is the Bifrost device agent: identity/config resolution,
// registration, provisioning, the MQTT session, the bidirectional sync
// engine, the cloud log shipper, and the command dispatcher, wired
// together the way cmd/gateway/main.go wires the industrial gateway
// (flag parsing, zap setup, graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/audit"
	"github.com/bifrost-iot/device-agent/internal/bus"
	"github.com/bifrost-iot/device-agent/internal/config"
	"github.com/bifrost-iot/device-agent/internal/dispatch"
	"github.com/bifrost-iot/device-agent/internal/identity"
	"github.com/bifrost-iot/device-agent/internal/logshipper"
	"github.com/bifrost-iot/device-agent/internal/metrics"
	"github.com/bifrost-iot/device-agent/internal/mqttsession"
	"github.com/bifrost-iot/device-agent/internal/provision"
	"github.com/bifrost-iot/device-agent/internal/register"
	"github.com/bifrost-iot/device-agent/internal/security"
	"github.com/bifrost-iot/device-agent/internal/store"
	"github.com/bifrost-iot/device-agent/internal/syncengine"
)

func main() {
	var (
		configDir = flag.String("config", "./config", "Directory containing the layered .json5 configuration")
		stateDir  = flag.String("state", "./state", "Directory for the device database, sync log, and certificates")
		iotoFile  = flag.String("ioto", "", "Path to a base ioto.json5 to seed config/ioto.json5 on first run")
		idFlag    = flag.String("id", "", "Device claim ID override (ignored once a device.id is already persisted)")
		product   = flag.String("product", "", "Builder product token")
		account   = flag.String("account", "", "Cloud account ID")
		cloud     = flag.String("cloud", "", "Cloud provider name")
		profile   = flag.String("profile", "", "Conditional config profile to overlay")
		reset     = flag.Bool("reset", false, "Erase provisioning, certificates, and the sync log, then exit initialization as a fresh device")
		testMode  = flag.Bool("test", false, "Validate configuration and exit without connecting")
		verbose   = flag.Bool("v", false, "Verbose (debug) logging")
		veryVerb  = flag.Bool("vv", false, "Very verbose (debug + stacktraces) logging")
	)
	flag.Parse()

	logger := setupLogger(*verbose, *veryVerb)
	defer logger.Sync()

	if err := run(*configDir, *stateDir, *iotoFile, *idFlag, *product, *account, *cloud, *profile, *reset, *testMode, logger); err != nil {
		logger.Error("agent: fatal initialization failure", zap.Error(err))
		os.Exit(1)
	}
}

func setupLogger(verbose, veryVerbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose || veryVerbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: veryVerbose,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("agent: failed to initialize logger: " + err.Error())
	}
	return logger
}

func run(configDir, stateDir, iotoFile, idFlag, product, account, cloud, profile string, reset, testMode bool, logger *zap.Logger) error {
	certDir := filepath.Join(stateDir, "certs")
	dbDir := filepath.Join(stateDir, "db")

	if iotoFile != "" {
		if err := seedIotoFile(configDir, iotoFile); err != nil {
			return err
		}
	}

	if reset {
		if err := resetDevice(configDir, certDir, dbDir); err != nil {
			return err
		}
		logger.Info("agent: reset complete, starting as a fresh device")
	}

	loader := &config.Loader{Dir: configDir, Profile: profile}
	tree, err := loader.Load()
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "agent", "run", err)
	}

	deviceID, err := resolveIdentity(context.Background(), configDir, tree, idFlag)
	if err != nil {
		return err
	}
	logger.Info("agent: device identity resolved", zap.String("device_id", deviceID))

	if err := seedDeviceLayer(configDir, tree, deviceID, product, account, cloud); err != nil {
		return err
	}

	auditLogFile := tree.GetString("audit.log_file")
	if auditLogFile == "" {
		auditLogFile = filepath.Join(stateDir, "audit.log")
	}
	auditLogger, err := audit.NewLogger(audit.Config{
		LogFile:  auditLogFile,
		LogLevel: tree.GetString("audit.log_level"),
	})
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}
	defer auditLogger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerDevice(ctx, configDir, tree, deviceID, product, account, cloud, logger, auditLogger); err != nil {
		return err
	}

	provisioner := provision.New(configDir, certDir)
	provisioner.Seed(loadProvisionRecord(tree))

	if testMode {
		logger.Info("agent: --test supplied, configuration validated, exiting without connecting")
		return nil
	}

	// A broker endpoint not yet present means this run performs a fresh
	// provision, which schedules the one-shot upward sync spec.md §4.3
	// describes ("post-provision upward sync on next MQTT connect").
	freshProvision := provisioner.Record().BrokerEndpoint == ""

	if err := provisioner.EnsureBrokerEndpoint(ctx); err != nil {
		auditLogger.Provisioned(deviceID, err)
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}
	rec := provisioner.Record()
	auditLogger.Provisioned(deviceID, nil)

	tlsCfg, err := security.Load(security.Material{
		CertFile:   rec.CertificatePath,
		KeyFile:    rec.KeyPath,
		CAFile:     tree.GetString("mqtt.ca_file"),
		MinVersion: tree.GetString("mqtt.tls_min_version"),
	})
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}

	promReg := prometheus.NewRegistry()
	reg := metrics.New(promReg)
	serveMetrics(tree, promReg, logger)

	b := bus.New()

	session := mqttsession.New(mqttsession.Config{
		Broker:                             brokerURL(rec),
		ClientID:                           deviceID,
		DeviceID:                           deviceID,
		Account:                            tree.GetString("device.account"),
		QoS:                                byte(1),
		TLS:                                tlsCfg,
		KeepAlive:                          30 * time.Second,
		ConnectTimeout:                     10 * time.Second,
		MaxConnectRetry:                    5,
		ReconnectCron:                      tree.GetString("mqtt.reconnect_cron"),
		ReconnectMinWait:                   time.Second,
		ReconnectJitter:                    2 * time.Second,
		ConfirmedFailuresBeforeReprovision: 2,
		MaxReprovisionAttempts:             5,
	}, provisioner, logger)

	if err := session.Connect(ctx); err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}
	reg.MQTTConnectsTotal.Inc()
	reg.MQTTConnected.Set(1)
	defer session.Close()

	st, err := store.Open(filepath.Join(dbDir, "device.db"))
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}
	defer st.Close()

	syncLog, err := syncengine.OpenSyncLog(filepath.Join(dbDir, "device.db.sync"))
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "run", err)
	}
	defer syncLog.Close()

	engine := syncengine.New(syncLog, session, syncengine.Options{
		DeviceID: deviceID,
		MaxBytes: maxSyncSize(tree),
		Logger:   logger,
	})
	if err := engine.Recover(filepath.Join(dbDir, "device.db.sync")); err != nil {
		logger.Warn("agent: sync log recovery failed", zap.Error(err))
	}

	wireSyncModels(tree, st)
	wireSyncCapture(st, engine, reg)
	wireSyncReceive(session, deviceID, tree.GetString("device.account"), engine, st, logger)

	// ioConnectSync: replay the local sync log upward, then request
	// missed cloud changes since the last successful sync-down, mirroring
	// spec.md §4.6's full-sync paths at connect time.
	state := loadSyncState(ctx, st)
	if freshProvision {
		state.PendingFullSyncUp = true
	}
	var lastSyncDown time.Time
	if state.LastSyncDown != "" {
		lastSyncDown, _ = time.Parse(time.RFC3339, state.LastSyncDown)
	}
	if err := syncengine.FullSyncDown(ctx, session, deviceID, lastSyncDown); err != nil {
		logger.Warn("agent: full-sync-down request failed", zap.Error(err))
	}
	if state.PendingFullSyncUp {
		for _, model := range st.SyncEnabledModels() {
			if err := engine.FullSyncUp(ctx, st, model); err != nil {
				logger.Warn("agent: full-sync-up failed", zap.String("model", model), zap.Error(err))
				continue
			}
		}
		state.PendingFullSyncUp = false
		saveSyncState(ctx, st, state)
	}

	restarter := &processRestarter{logger: logger}
	updater := &shellUpdater{command: tree.GetString("update.command"), logger: logger}
	dispatcher := dispatch.New(restarter, provisioner, updater, b, logger)
	dispatcher.Attach(st)

	shipper := buildLogShipper(tree, provisioner, logger)

	g, gctx := errgroup.WithContext(ctx)
	if shipper != nil {
		g.Go(func() error { return shipper.Run(gctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-sigCh:
			logger.Info("agent: shutdown signal received")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Warn("agent: component exited with error", zap.Error(err))
	}

	reg.MQTTConnected.Set(0)
	logger.Info("agent: shutdown complete")
	return nil
}

// seedIotoFile copies a base ioto.json5 into configDir if one doesn't
// already exist there, so a freshly imaged device picks up its factory
// defaults on first boot without clobbering an already-running device's
// live configuration.
func seedIotoFile(configDir, iotoFile string) error {
	dst := filepath.Join(configDir, "ioto.json5")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(iotoFile)
	if err != nil {
		return agenterr.Wrap(agenterr.CantRead, "agent", "seedIotoFile", err)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "agent", "seedIotoFile", err)
	}
	return os.WriteFile(dst, data, 0o644)
}

// resetDevice implements spec.md §6's --reset semantics: provision
// state, the certificate pair, and the sync log are erased, and
// db/device.db.reset (if present) is copied over db/device.db, returning
// the device's local store to its factory snapshot.
func resetDevice(configDir, certDir, dbDir string) error {
	_ = os.Remove(filepath.Join(configDir, "provision.json5"))
	_ = os.Remove(filepath.Join(certDir, "device.crt"))
	_ = os.Remove(filepath.Join(certDir, "device.key"))
	_ = os.Remove(filepath.Join(dbDir, "device.db.sync"))

	resetDB := filepath.Join(dbDir, "device.db.reset")
	if data, err := os.ReadFile(resetDB); err == nil {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "agent", "resetDevice", err)
		}
		if err := os.WriteFile(filepath.Join(dbDir, "device.db"), data, 0o644); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "agent", "resetDevice", err)
		}
	} else if !os.IsNotExist(err) {
		return agenterr.Wrap(agenterr.CantRead, "agent", "resetDevice", err)
	}
	return nil
}

func resolveIdentity(ctx context.Context, configDir string, tree config.Tree, idFlag string) (string, error) {
	existing := tree.GetString("device.id")
	if existing == "" {
		existing = idFlag
	}

	mode := identity.Mode(tree.GetString("identity.mode"))
	fc := identity.FactoryConfig{
		URL:     tree.GetString("identity.factory_url"),
		Command: tree.GetString("identity.factory_command"),
	}

	id, err := identity.Derive(ctx, mode, existing, fc)
	if err != nil {
		return "", agenterr.Wrap(agenterr.BadArgs, "agent", "resolveIdentity", err)
	}

	if id != "" && id != tree.GetString("device.id") {
		if err := config.WriteLayer(configDir, "device.json5", config.Tree{"device": map[string]any{"id": id}}); err != nil {
			return "", err
		}
	}
	return id, nil
}

func seedDeviceLayer(configDir string, tree config.Tree, deviceID, product, account, cloud string) error {
	fields := map[string]any{"id": deviceID}
	changed := false
	if product != "" && tree.GetString("device.product") == "" {
		fields["product"] = product
		changed = true
	}
	if account != "" && tree.GetString("device.account") == "" {
		fields["account"] = account
		changed = true
	}
	if cloud != "" && tree.GetString("device.cloud") == "" {
		fields["cloud"] = cloud
		changed = true
	}
	if !changed {
		return nil
	}
	return config.WriteLayer(configDir, "device.json5", config.Tree{"device": fields})
}

func registerDevice(ctx context.Context, configDir string, tree config.Tree, deviceID, product, account, cloud string, logger *zap.Logger, auditLogger *audit.Logger) error {
	api := tree.GetString("provision.api")
	apiToken := tree.GetString("provision.api_token")
	if register.AlreadyRegistered(api, apiToken) {
		return nil
	}

	builderURL := tree.GetString("register.builder")
	if builderURL == "" {
		logger.Debug("agent: no builder URL configured, skipping registration")
		return nil
	}
	if product == "" {
		product = tree.GetString("device.product")
	}

	client := register.New(builderURL)
	resp, err := client.Register(ctx, product, register.Descriptor{
		ID:      deviceID,
		Product: product,
		Account: account,
		Cloud:   cloud,
	})
	if err != nil {
		return agenterr.Wrap(agenterr.CantConnect, "agent", "registerDevice", err)
	}

	err = config.WriteLayer(configDir, "provision.json5", config.Tree{
		"provision": map[string]any{
			"api":        resp.API,
			"api_token":  resp.APIToken,
			"account_id": resp.Account,
			"cloud_type": resp.Cloud,
		},
	})
	auditLogger.Log(audit.Event{
		EventType: audit.EventTypes.Provisioning,
		DeviceID:  deviceID,
		Action:    audit.Actions.Register,
		Result:    audit.Results.Success,
	})
	return err
}

func loadProvisionRecord(tree config.Tree) provision.Record {
	var rec provision.Record
	v, ok := tree["provision"]
	if !ok {
		return rec
	}
	data, err := json.Marshal(v)
	if err != nil {
		return rec
	}
	_ = json.Unmarshal(data, &rec)
	return rec
}

func brokerURL(rec provision.Record) string {
	if rec.BrokerEndpoint == "" {
		return ""
	}
	port := rec.BrokerPort
	if port == 0 {
		port = 8883
	}
	return fmt.Sprintf("ssl://%s:%d", rec.BrokerEndpoint, port)
}

func maxSyncSize(tree config.Tree) int {
	v, ok := tree.Get("database.maxSyncSize")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// wireSyncCapture attaches the sync engine as a commit observer for every
// sync-enabled model, composing the change key as "<model>#<key>" per
// spec.md §6's example ("Sensor#s1").
func wireSyncCapture(st *store.Store, engine *syncengine.Engine, reg *metrics.Registry) {
	st.OnCommit(func(model, key string, item []byte, params store.Params, cmd store.Cmd) {
		if !st.SyncEnabled(model) {
			return
		}
		reg.SyncChangesCaptured.Inc()
		if err := engine.Capture(model, item, params.Bypass, cmd, model+"#"+key); err != nil {
			return
		}
		reg.SyncBufferDepth.Set(float64(engine.Len()))
	})
}

// wireSyncModels marks every model listed under database.sync_models as
// sync-enabled, the config-driven stand-in for the embedded database's
// own model.sync flag (spec.md §1 names the schema/trigger engine itself
// out of scope; this is the contract the sync engine consumes from it).
func wireSyncModels(tree config.Tree, st *store.Store) {
	raw, ok := tree.Get("database.sync_models")
	if !ok {
		return
	}
	list, ok := raw.([]any)
	if !ok {
		return
	}
	for _, v := range list {
		if name, ok := v.(string); ok && name != "" {
			st.SetSyncEnabled(name, true)
		}
	}
}

// wireSyncReceive subscribes to the three cloud-to-device sync topics
// spec.md §4.6's "Receive path" names and dispatches by topic suffix:
// SYNC carries an ack for the upward-sync direction, SYNCUP/SYNCDOWN
// (the latter deprecated but still emitted) close out full-sync-down,
// and everything else (INSERT/REMOVE/UPSERT/MODIFY) is a cloud-
// originated mutation applied via syncengine.ApplyReceived.
func wireSyncReceive(session *mqttsession.Session, deviceID, account string, engine *syncengine.Engine, st *store.Store, logger *zap.Logger) {
	handler := func(topic string, payload []byte) {
		idx := strings.LastIndex(topic, "/")
		if idx < 0 {
			return
		}
		suffix := topic[idx+1:]
		ctx := context.Background()

		switch suffix {
		case "SYNC":
			if err := engine.HandleAck(payload); err != nil {
				logger.Warn("agent: sync ack handling failed", zap.String("topic", topic), zap.Error(err))
			}
		case "SYNCUP", "SYNCDOWN":
			var resp struct {
				Updated string `json:"updated"`
			}
			if err := json.Unmarshal(payload, &resp); err != nil || resp.Updated == "" {
				return
			}
			state := loadSyncState(ctx, st)
			if state.LastSyncDown == "" || state.LastSyncDown < resp.Updated {
				state.LastSyncDown = resp.Updated
				saveSyncState(ctx, st, state)
			}
		default:
			if err := syncengine.ApplyReceived(ctx, st, suffix, payload); err != nil {
				logger.Warn("agent: failed to apply received sync mutation", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	session.OnTopic(fmt.Sprintf("ioto/device/%s/sync/", deviceID), handler)
	session.OnTopic("ioto/account/all/sync/", handler)
	if account != "" {
		session.OnTopic(fmt.Sprintf("ioto/account/%s/sync/", account), handler)
	}
}

// syncState is the persisted SyncState row spec.md §4.6 reads/writes:
// the last successful full-sync-down watermark and whether a one-shot
// full-sync-up is still owed. Stored under a model that is never marked
// sync-enabled, so it never feeds back into the change buffer.
type syncState struct {
	LastSyncDown      string `json:"lastSyncDown"`
	PendingFullSyncUp bool   `json:"pendingFullSyncUp"`
}

const syncStateModel = "SyncState"
const syncStateKey = "device"

func loadSyncState(ctx context.Context, st *store.Store) syncState {
	data, _, ok, err := st.Get(ctx, syncStateModel, syncStateKey)
	if err != nil || !ok {
		return syncState{}
	}
	var s syncState
	_ = json.Unmarshal(data, &s)
	return s
}

func saveSyncState(ctx context.Context, st *store.Store, s syncState) {
	_ = st.Put(ctx, syncStateModel, syncStateKey, s, store.Params{Bypass: true}, store.CmdUpsert)
}

func serveMetrics(tree config.Tree, gatherer prometheus.Gatherer, logger *zap.Logger) {
	if v, ok := tree.Get("metrics.enabled"); ok {
		if enabled, _ := v.(bool); !enabled {
			return
		}
	}
	addr := tree.GetString("metrics.listen")
	if addr == "" {
		addr = ":9464"
	}
	go func() {
		if err := http.ListenAndServe(addr, metrics.Handler(gatherer)); err != nil {
			logger.Warn("agent: metrics listener exited", zap.Error(err))
		}
	}()
}

func buildLogShipper(tree config.Tree, provisioner *provision.Client, logger *zap.Logger) *logshipper.Shipper {
	rawSources, ok := tree.Get("log.sources")
	if !ok {
		return nil
	}
	list, ok := rawSources.([]any)
	if !ok || len(list) == 0 {
		return nil
	}

	var sources []logshipper.SourceConfig
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sc := logshipper.SourceConfig{
			Path:         str(m["path"]),
			Command:      str(m["command"]),
			FromBegin:    boolOf(m["from_begin"]),
			Continuation: str(m["continuation"]),
		}
		if sc.Command != "" {
			sc.Kind = logshipper.SourceCommand
		}
		sources = append(sources, sc)
	}
	if len(sources) == 0 {
		return nil
	}

	endpoint := tree.GetString("log.cloudwatch.endpoint")
	group := tree.GetString("log.cloudwatch.group")
	stream := tree.GetString("log.cloudwatch.stream")
	if endpoint == "" || group == "" {
		logger.Debug("agent: log sources configured but no CloudWatch endpoint/group, skipping shipper")
		return nil
	}

	client := logshipper.NewCloudWatchClient(endpoint, group, stream, boolOfTree(tree, "log.cloudwatch.create"))

	return logshipper.New(logshipper.Config{
		Sources:  sources,
		Linger:   5 * time.Second,
		Delivery: client,
		Credentials: func() logshipper.Credentials {
			return fetchLogCredentials(provisioner, tree, logger)
		},
		PollEvery: time.Second,
		Logger:    logger,
	})
}

func fetchLogCredentials(provisioner *provision.Client, tree config.Tree, logger *zap.Logger) logshipper.Credentials {
	rec := provisioner.Record()
	req, err := http.NewRequest(http.MethodPost, rec.APIEndpoint+"/tok/provision/getCreds", bytes.NewReader([]byte("{}")))
	if err != nil {
		return logshipper.Credentials{Region: rec.CloudRegion}
	}
	req.Header.Set("Authorization", "Bearer "+rec.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("agent: failed to fetch log delivery credentials", zap.Error(err))
		return logshipper.Credentials{Region: rec.CloudRegion}
	}
	defer resp.Body.Close()

	var creds struct {
		AccessKey    string `json:"accessKeyId"`
		Secret       string `json:"secretAccessKey"`
		SessionToken string `json:"sessionToken"`
	}
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &creds)
	return logshipper.Credentials{
		AccessKey:    creds.AccessKey,
		Secret:       creds.Secret,
		SessionToken: creds.SessionToken,
		Region:       rec.CloudRegion,
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func boolOfTree(tree config.Tree, path string) bool {
	v, ok := tree.Get(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// processRestarter satisfies internal/dispatch.Restarter by re-executing
// the current binary in place, matching spec.md §4.8's "reboot requests a
// process restart".
type processRestarter struct {
	logger *zap.Logger
}

func (r *processRestarter) Restart(ctx context.Context) error {
	r.logger.Warn("agent: reboot command received, re-executing process")
	exe, err := os.Executable()
	if err != nil {
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "Restart", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// shellUpdater satisfies internal/dispatch.Updater by invoking a
// configured shell command with the target version as its sole argument.
// An empty command means no updater is configured.
type shellUpdater struct {
	command string
	logger  *zap.Logger
}

func (u *shellUpdater) Update(ctx context.Context, version string) error {
	if u.command == "" {
		return agenterr.New(agenterr.BadState, "agent", "Update", "no update.command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", u.command+" "+version)
	out, err := cmd.CombinedOutput()
	if err != nil {
		u.logger.Error("agent: update command failed", zap.ByteString("output", out), zap.Error(err))
		return agenterr.Wrap(agenterr.CantInitialize, "agent", "Update", err)
	}
	return nil
}
