// Package audit records security-relevant device lifecycle events —
// provisioning, deprovisioning, and dangerous command dispatch — to a
// structured JSON log file (this package does not rotate it). Narrowed for a device agent with no
// inbound authentication surface: no users, sessions, or remote
// addresses to record.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventTypes enumerates the categories of event this device agent audits.
var EventTypes = struct {
	Provisioning     string
	Deprovisioning   string
	CommandDispatch  string
	CertificateOp    string
	ConfigChange     string
	AuditFailure     string
}{
	Provisioning:    "provisioning",
	Deprovisioning:  "deprovisioning",
	CommandDispatch: "command_dispatch",
	CertificateOp:   "certificate_operation",
	ConfigChange:    "config_change",
	AuditFailure:    "audit_failure",
}

// Actions enumerates the standard actions recorded against an event type.
var Actions = struct {
	Register     string
	Provision    string
	Deprovision  string
	Reboot       string
	Release      string
	Reprovision  string
	Update       string
	Rotate       string
}{
	Register:    "register",
	Provision:   "provision",
	Deprovision: "deprovision",
	Reboot:      "reboot",
	Release:     "release",
	Reprovision: "reprovision",
	Update:      "update",
	Rotate:      "rotate",
}

// Results enumerates the standard outcomes recorded against an event.
var Results = struct {
	Success string
	Failure string
	Error   string
	Denied  string
}{
	Success: "success",
	Failure: "failure",
	Error:   "error",
	Denied:  "denied",
}

// Event is one audited occurrence.
type Event struct {
	Timestamp time.Time
	EventType string
	DeviceID  string
	Action    string
	Result    string
	Details   map[string]interface{}
}

// Config controls where and how verbosely the audit trail is written.
type Config struct {
	LogFile  string
	LogLevel string // debug|info|warn|error
}

// Logger writes audit events as structured JSON lines.
type Logger struct {
	logger *zap.Logger
	mu     sync.Mutex
}

// NewLogger builds a file-backed audit logger, creating the containing
// directory if necessary.
func NewLogger(cfg Config) (*Logger, error) {
	logDir := filepath.Dir(cfg.LogFile)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel)),
		Development: false,
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
		OutputPaths:      []string{cfg.LogFile},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build audit logger: %w", err)
	}
	return &Logger{logger: logger}, nil
}

// Log records one audit event, choosing a log level by result.
func (l *Logger) Log(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.Time("audit_timestamp", ev.Timestamp),
		zap.String("event_type", ev.EventType),
		zap.String("action", ev.Action),
		zap.String("result", ev.Result),
	}
	if ev.DeviceID != "" {
		fields = append(fields, zap.String("device_id", ev.DeviceID))
	}
	if ev.Details != nil {
		if data, err := json.Marshal(ev.Details); err == nil {
			fields = append(fields, zap.String("details", string(data)))
		}
	}

	switch ev.Result {
	case Results.Failure, Results.Error:
		l.logger.Error("audit event", fields...)
	case Results.Denied:
		l.logger.Warn("audit event", fields...)
	default:
		l.logger.Info("audit event", fields...)
	}
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger.Sync()
}

// Provisioned records a successful or failed provisioning attempt.
func (l *Logger) Provisioned(deviceID string, err error) {
	l.logOutcome(EventTypes.Provisioning, Actions.Provision, deviceID, err, nil)
}

// Deprovisioned records a successful or failed deprovisioning attempt.
func (l *Logger) Deprovisioned(deviceID string, err error) {
	l.logOutcome(EventTypes.Deprovisioning, Actions.Deprovision, deviceID, err, nil)
}

// CommandDispatched records a dispatched command, whether recognized and
// acted on, or rejected for lack of a configured handler.
func (l *Logger) CommandDispatched(deviceID, command string, err error) {
	l.logOutcome(EventTypes.CommandDispatch, command, deviceID, err, map[string]interface{}{"command": command})
}

func (l *Logger) logOutcome(eventType, action, deviceID string, err error, details map[string]interface{}) {
	result := Results.Success
	if err != nil {
		result = Results.Failure
		if details == nil {
			details = map[string]interface{}{}
		}
		details["error"] = err.Error()
	}
	l.Log(Event{EventType: eventType, Action: action, DeviceID: deviceID, Result: result, Details: details})
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
