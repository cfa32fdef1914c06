// Package mqttsession implements C5, spec.md §4.5: the MQTT session
// manager — TLS connect, CONNECT handshake, scheduled reconnection,
// master subscriptions shared by in-process subscribers, throttle
// signal, and the request/response correlator. Wraps
// github.com/eclipse/paho.mqtt.golang with the usual client-options and
// token-wait idiom and an atomic connected flag; resilience is
// github.com/sony/gobreaker via internal/resilience rather than a
// hand-rolled circuit breaker.
package mqttsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/cronsched"
	"github.com/bifrost-iot/device-agent/internal/resilience"
)

// Config carries the usual MQTT client options, extended with the
// device identity and scheduled-reconnect parameters spec.md §4.5 needs.
type Config struct {
	Broker   string
	ClientID string
	DeviceID string
	Account  string
	QoS      byte
	TLS      *tls.Config

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	MaxConnectRetry  int // spec.md §4.5: at most 5 retries per scheduled attempt
	ReconnectCron    string
	ReconnectMinWait time.Duration
	ReconnectJitter  time.Duration

	ConfirmedFailuresBeforeReprovision int // default 2
	MaxReprovisionAttempts             int // limits.reprovision, default 5
}

// Provisioner supplies a broker endpoint/credentials and can be asked to
// deprovision+reprovision when connect attempts repeatedly fail with
// confirmed connectivity (spec.md §4.5).
type Provisioner interface {
	EnsureBrokerEndpoint(ctx context.Context) error
	Deprovision(ctx context.Context) error
	Provision(ctx context.Context) error
}

// Session is the MQTT connection manager.
type Session struct {
	cfg    Config
	client mqtt.Client
	logger *zap.Logger

	state     atomicState
	connected int32 // atomic bool
	throttled int32

	subscriptions sync.Map // topic prefix -> []func(topic string, payload []byte)
	correlator    *Correlator

	connectPolicy *resilience.Policy
	provisioner   Provisioner

	reconnectTimer   *time.Timer
	reconnectMu      sync.Mutex
	lastDisconnectAt time.Time

	reprovisionCount int32
}

// New constructs a Session. It does not connect; the caller calls Connect.
func New(cfg Config, provisioner Provisioner, logger *zap.Logger) *Session {
	if cfg.MaxConnectRetry <= 0 {
		cfg.MaxConnectRetry = 5
	}
	if cfg.ConfirmedFailuresBeforeReprovision <= 0 {
		cfg.ConfirmedFailuresBeforeReprovision = 2
	}
	if cfg.MaxReprovisionAttempts <= 0 {
		cfg.MaxReprovisionAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:         cfg,
		logger:      logger.Named("mqttsession"),
		correlator:  NewCorrelator(),
		provisioner: provisioner,
	}
	s.connectPolicy = resilience.New(resilience.Config{
		MaxRetries:      uint64(cfg.MaxConnectRetry),
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		BreakerName:     "mqtt-connect",
		MaxFailures:     5,
		ResetTimeout:    30 * time.Second,
		HalfOpenMaxCall: 3,
	}, logger)
	return s
}

func (s *Session) State() State { return s.state.Load() }

func (s *Session) IsConnected() bool { return atomic.LoadInt32(&s.connected) == 1 }

func (s *Session) Throttled() bool { return atomic.LoadInt32(&s.throttled) == 1 }

// masterTopics returns the three wide-wildcard subscriptions spec.md
// §4.5 registers once per connect.
func (s *Session) masterTopics() []string {
	return []string{
		fmt.Sprintf("ioto/device/%s/#", s.cfg.DeviceID),
		"ioto/account/all/#",
		fmt.Sprintf("ioto/account/%s/#", s.cfg.Account),
	}
}

func (s *Session) throttleTopic() string {
	return fmt.Sprintf("ioto/device/%s/mqtt/throttle", s.cfg.DeviceID)
}

// Connect performs one connect attempt: ensure broker endpoint (may
// provision), open the TLS client, issue CONNECT, register master
// subscriptions. Retried and circuit-broken by s.connectPolicy.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(Connecting)

	var confirmedFailures int32
	err := s.connectPolicy.Run(ctx, func(ctx context.Context) error {
		if err := s.provisioner.EnsureBrokerEndpoint(ctx); err != nil {
			return agenterr.Wrap(agenterr.CantConnect, "mqttsession", "Connect", err)
		}

		opts := mqtt.NewClientOptions().
			AddBroker(s.cfg.Broker).
			SetClientID(s.cfg.ClientID).
			SetTLSConfig(s.cfg.TLS).
			SetKeepAlive(s.cfg.KeepAlive).
			SetConnectTimeout(s.cfg.ConnectTimeout).
			SetAutoReconnect(false). // reconnection is owned by cronsched/schedule, not paho
			SetOnConnectHandler(s.onConnect).
			SetConnectionLostHandler(s.onConnectionLost).
			SetDefaultPublishHandler(s.onMessage)

		client := mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			atomic.AddInt32(&confirmedFailures, 1)
			return agenterr.New(agenterr.Timeout, "mqttsession", "Connect", "connect ack timeout")
		}
		if err := token.Error(); err != nil {
			atomic.AddInt32(&confirmedFailures, 1)
			if confirmedFailures >= int32(s.cfg.ConfirmedFailuresBeforeReprovision) {
				if rerr := s.reprovisionOnce(ctx); rerr != nil {
					s.logger.Warn("reprovision attempt failed", zap.Error(rerr))
				}
			}
			return agenterr.Wrap(agenterr.CantConnect, "mqttsession", "Connect", err)
		}

		s.client = client
		return nil
	})
	if err != nil {
		s.state.Store(Idle)
		return err
	}

	for _, topic := range s.masterTopics() {
		if token := s.client.Subscribe(topic, s.cfg.QoS, nil); token.Wait() && token.Error() != nil {
			s.logger.Warn("master subscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
	if token := s.client.Subscribe(s.throttleTopic(), s.cfg.QoS, nil); token.Wait() && token.Error() != nil {
		s.logger.Warn("throttle subscribe failed", zap.Error(token.Error()))
	}

	atomic.StoreInt32(&s.connected, 1)
	s.state.Store(Connected)
	return nil
}

func (s *Session) reprovisionOnce(ctx context.Context) error {
	if atomic.LoadInt32(&s.reprovisionCount) >= int32(s.cfg.MaxReprovisionAttempts) {
		return agenterr.New(agenterr.CantConnect, "mqttsession", "reprovisionOnce", "reprovision attempt cap reached")
	}
	atomic.AddInt32(&s.reprovisionCount, 1)
	if err := s.provisioner.Deprovision(ctx); err != nil {
		return err
	}
	return s.provisioner.Provision(ctx)
}

func (s *Session) onConnect(mqtt.Client) {
	atomic.StoreInt32(&s.connected, 1)
	s.state.Store(Connected)
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	atomic.StoreInt32(&s.connected, 0)
	s.state.Store(Disconnected)
	s.reconnectMu.Lock()
	s.lastDisconnectAt = time.Now()
	s.reconnectMu.Unlock()
	s.logger.Warn("mqtt connection lost", zap.Error(err))
	s.scheduleReconnect()
}

// onMessage dispatches inbound publishes to the subscribers of every
// registered prefix the topic starts with, so narrower in-process subscribers
// share the master network subscription without issuing SUBSCRIBE frames.
func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if msg.Topic() == s.throttleTopic() {
		s.setThrottle(msg.Payload())
		return
	}
	s.subscriptions.Range(func(key, value any) bool {
		prefix := key.(string)
		if len(msg.Topic()) >= len(prefix) && msg.Topic()[:len(prefix)] == prefix {
			handlers := value.([]func(string, []byte))
			for _, h := range handlers {
				h(msg.Topic(), msg.Payload())
			}
		}
		return true
	})
}

func (s *Session) setThrottle(payload []byte) {
	if len(payload) > 0 && (payload[0] == '1' || payload[0] == 't') {
		atomic.StoreInt32(&s.throttled, 1)
	} else {
		atomic.StoreInt32(&s.throttled, 0)
	}
}

// OnTopic registers an in-process handler for messages whose topic has
// the given prefix — no new network SUBSCRIBE frame is issued; it rides
// the master subscription already in place (spec.md §4.5).
func (s *Session) OnTopic(prefix string, handler func(topic string, payload []byte)) {
	existing, _ := s.subscriptions.LoadOrStore(prefix, []func(string, []byte){})
	list := existing.([]func(string, []byte))
	list = append(list, handler)
	s.subscriptions.Store(prefix, list)
}

// Publish sends payload to topic, honoring throttle by downgrading to a
// best-effort publish (QoS 0) when throttled.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if s.client == nil || !s.IsConnected() {
		return agenterr.New(agenterr.CantConnect, "mqttsession", "Publish", "not connected")
	}
	if s.Throttled() {
		qos = 0
	}
	token := s.client.Publish(topic, qos, false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return agenterr.Wrap(agenterr.CantWrite, "mqttsession", "Publish", err)
	}
	return nil
}

// Request issues a correlated request/response exchange: publish to
// ioto/service/<id>/<op>/<seq>, wait (bounded by ctx) for a reply on
// ioto/device/<id>/<op>/<seq>.
func (s *Session) Request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	seq := s.correlator.NextSeq()
	replyTopic := fmt.Sprintf("ioto/device/%s/%s/+", s.cfg.DeviceID, op)

	ch := s.correlator.Register(seq)
	s.OnTopic(fmt.Sprintf("ioto/device/%s/%s/", s.cfg.DeviceID, op), func(topic string, body []byte) {
		if gotSeq, ok := trailingSeq(topic); ok {
			s.correlator.Resolve(gotSeq, body)
		}
	})
	_ = replyTopic // subscription already covered by the master subscription

	reqTopic := fmt.Sprintf("ioto/service/%s/%s/%d", s.cfg.DeviceID, op, seq)
	if err := s.Publish(ctx, reqTopic, s.cfg.QoS, payload); err != nil {
		s.correlator.Cancel(seq)
		return nil, err
	}
	return Await(ctx, s.correlator, seq, ch)
}

// scheduleReconnect arms the single outstanding reconnect timer per
// spec.md §4.5's cron + fixed-delay + jitter rule; rescheduling cancels
// any prior timer.
func (s *Session) scheduleReconnect() {
	if s.cfg.ReconnectCron == "" {
		return
	}
	sched, err := cronsched.Parse(s.cfg.ReconnectCron)
	if err != nil {
		s.logger.Error("invalid reconnect cron spec", zap.Error(err))
		return
	}

	s.reconnectMu.Lock()
	defer s.reconnectMu.Unlock()

	now := time.Now()
	wait := cronsched.NextWait(sched, now, s.lastDisconnectAt, s.cfg.ReconnectMinWait, s.cfg.ReconnectJitter)

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.state.Store(Scheduled)
	s.reconnectTimer = time.AfterFunc(wait, func() {
		_ = s.Connect(context.Background())
	})
}

// trailingSeq extracts the numeric suffix after the last '/' in topic,
// matching spec.md §4.5's "matching is by trailing /seq in the reply topic".
func trailingSeq(topic string) (int32, bool) {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 || idx == len(topic)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(topic[idx+1:])
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

// Close disconnects and tears down the session.
func (s *Session) Close() {
	s.reconnectMu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectMu.Unlock()

	if s.client != nil && s.client.IsConnected() {
		s.state.Store(Draining)
		s.client.Disconnect(250)
	}
	atomic.StoreInt32(&s.connected, 0)
	s.state.Store(Idle)
}
