// Package provision implements C3, spec.md §4.3: loop with exponential
// backoff until an API endpoint and then a broker endpoint exist,
// fetch MQTT certificate/key via <api>/tok/provision/getCerts, persist
// them, and support release (deprovision). Backoff is
// github.com/cenkalti/backoff/v4 (a real pack dependency, from
// nintran52-supermq's go.mod) instead of hand-rolling the retry delay
// arithmetic a second time.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/config"
)

// Record is the persisted provisioning state, spec.md §3's
// "Provisioning record".
type Record struct {
	APIEndpoint     string `json:"api_endpoint"`
	APIToken        string `json:"api_token"`
	BrokerEndpoint  string `json:"broker_endpoint"`
	BrokerPort      int    `json:"broker_port"`
	AccountID       string `json:"account_id"`
	CloudType       string `json:"cloud_type"`
	CloudName       string `json:"cloud_name"`
	CloudRegion     string `json:"cloud_region"`
	CertificatePath string `json:"certificate_path"`
	KeyPath         string `json:"key_path"`
	Registered      bool   `json:"registered"`
}

type getCertsResponse struct {
	Certificate    string `json:"certificate"`
	Key            string `json:"key"`
	BrokerEndpoint string `json:"brokerEndpoint"`
	BrokerPort     int    `json:"brokerPort"`
	AccountID      string `json:"accountId"`
	CloudType      string `json:"cloudType"`
	CloudRegion    string `json:"cloudRegion"`
}

// Client drives the provisioning loop and holds the single-outstanding-
// attempt guard and wake channel spec.md §4.3 describes.
type Client struct {
	ConfigDir string
	CertDir   string
	NoSave    bool
	HTTP      *http.Client

	mu      sync.Mutex
	entered bool
	wake    chan struct{}

	record Record
}

func New(configDir, certDir string) *Client {
	return &Client{
		ConfigDir: configDir,
		CertDir:   certDir,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		wake:      make(chan struct{}, 1),
	}
}

// Record returns a copy of the current in-memory provisioning record.
func (c *Client) Record() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record
}

// Seed loads a previously persisted Record (read back from
// provision.json5 at startup) into the client, so EnsureBrokerEndpoint
// can recognize an already-provisioned device without re-fetching certs.
func (c *Client) Seed(rec Record) {
	c.mu.Lock()
	c.record = rec
	c.mu.Unlock()
}

// Wake lets an external caller interrupt the provisioning backoff sleep
// early (spec.md §4.3's "wake protocol").
func (c *Client) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// EnsureBrokerEndpoint blocks (with exponential backoff 1s->24h) until
// an API endpoint and then a broker endpoint are established. A single
// outstanding attempt is enforced via entered; concurrent callers block
// until that attempt ends and return at once if it recorded a broker
// endpoint.
func (c *Client) EnsureBrokerEndpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.entered {
			c.entered = true
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer func() {
		c.mu.Lock()
		c.entered = false
		c.mu.Unlock()
	}()

	if c.Record().BrokerEndpoint != "" {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	bo := backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		return c.attemptProvision(ctx)
	}, bo, func(err error, wait time.Duration) {
		select {
		case <-c.wake:
		case <-time.After(wait):
		case <-ctx.Done():
		}
	})
}

func (c *Client) attemptProvision(ctx context.Context) error {
	rec := c.Record()
	if rec.APIEndpoint == "" || rec.APIToken == "" {
		return agenterr.New(agenterr.CantConnect, "provision", "attemptProvision", "no API endpoint/token yet")
	}

	body, _ := json.Marshal(map[string]string{})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.APIEndpoint+"/tok/provision/getCerts", bytes.NewReader(body))
	if err != nil {
		return agenterr.Wrap(agenterr.BadArgs, "provision", "attemptProvision", err)
	}
	req.Header.Set("Authorization", "Bearer "+rec.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return agenterr.Wrap(agenterr.CantConnect, "provision", "attemptProvision", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return agenterr.New(agenterr.CantConnect, "provision", "attemptProvision", "getCerts returned non-200")
	}

	var gc getCertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&gc); err != nil {
		return agenterr.Wrap(agenterr.CantRead, "provision", "attemptProvision", err)
	}

	certPath := filepath.Join(c.CertDir, "device.crt")
	keyPath := filepath.Join(c.CertDir, "device.key")
	if !c.NoSave {
		if err := os.MkdirAll(c.CertDir, 0o755); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "provision", "attemptProvision", err)
		}
		if err := os.WriteFile(certPath, []byte(gc.Certificate), 0o600); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "provision", "attemptProvision", err)
		}
		if err := os.WriteFile(keyPath, []byte(gc.Key), 0o600); err != nil {
			return agenterr.Wrap(agenterr.CantWrite, "provision", "attemptProvision", err)
		}
	}

	c.mu.Lock()
	c.record.BrokerEndpoint = gc.BrokerEndpoint
	c.record.BrokerPort = gc.BrokerPort
	c.record.AccountID = gc.AccountID
	c.record.CloudType = gc.CloudType
	c.record.CloudRegion = gc.CloudRegion
	c.record.CertificatePath = certPath
	c.record.KeyPath = keyPath
	c.record.Registered = true
	rec := c.record
	c.mu.Unlock()

	return config.WriteLayer(c.ConfigDir, "provision.json5", Tree(rec))
}

// Provision is the Provisioner interface method mqttsession expects: an
// explicit (re)provision call. It returns at once when a broker endpoint
// is already recorded; otherwise it retries with backoff until one is
// established or ctx ends.
func (c *Client) Provision(ctx context.Context) error {
	return c.EnsureBrokerEndpoint(ctx)
}

// Deprovision releases the device per spec.md §4.3: clears in-memory
// credentials, removes the on-disk certificate/key and the persisted
// provision block.
func (c *Client) Deprovision(ctx context.Context) error {
	rec := c.Record()

	if rec.CertificatePath != "" {
		_ = os.Remove(rec.CertificatePath)
	}
	if rec.KeyPath != "" {
		_ = os.Remove(rec.KeyPath)
	}

	c.mu.Lock()
	c.record = Record{}
	c.mu.Unlock()

	path := filepath.Join(c.ConfigDir, "provision.json5")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return agenterr.Wrap(agenterr.CantWrite, "provision", "Deprovision", err)
	}
	return nil
}

// Tree adapts a Record to a config.Tree fragment under "provision", for
// config.WriteLayer.
func Tree(rec Record) config.Tree {
	data, _ := json.Marshal(rec)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return config.Tree{"provision": m}
}
