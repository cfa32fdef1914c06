// Package dispatch implements the command dispatcher (spec.md §4.8):
// it watches the Command model via the store's commit callback — the
// same trigger path the sync engine rides on the cloud-receive
// direction — and reacts to reboot/release/reprovision/update, publishing
// anything it doesn't recognize onto the in-process signal bus.
package dispatch

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/bifrost-iot/device-agent/internal/agenterr"
	"github.com/bifrost-iot/device-agent/internal/bus"
	"github.com/bifrost-iot/device-agent/internal/store"
)

// Restarter requests a process restart. cmd/agent supplies the real
// implementation (typically re-exec or an external supervisor).
type Restarter interface {
	Restart(ctx context.Context) error
}

// Provisioner is the subset of internal/provision.Client the dispatcher
// drives for release/reprovision commands.
type Provisioner interface {
	Deprovision(ctx context.Context) error
	Provision(ctx context.Context) error
}

// Updater applies a software update, e.g. fetching and installing a
// release artifact.
type Updater interface {
	Update(ctx context.Context, version string) error
}

const modelName = "Command"

// command is the Command model row shape published by the cloud.
type command struct {
	Command string `json:"command"`
	Version string `json:"version,omitempty"`
}

// Dispatcher wires the Command model to the recognized actions.
type Dispatcher struct {
	restarter   Restarter
	provisioner Provisioner
	updater     Updater
	bus         *bus.Bus
	logger      *zap.Logger
}

func New(restarter Restarter, provisioner Provisioner, updater Updater, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{restarter: restarter, provisioner: provisioner, updater: updater, bus: b, logger: logger}
}

// Attach registers the dispatcher as the store's commit observer for the
// Command model. Call once at startup, after store.Open.
func (d *Dispatcher) Attach(st *store.Store) {
	st.OnCommit(func(model, key string, item []byte, params store.Params, cmd store.Cmd) {
		if model != modelName || cmd == store.CmdRemove {
			return
		}
		d.handle(context.Background(), item)
	})
}

func (d *Dispatcher) handle(ctx context.Context, item []byte) {
	var cmd command
	if err := json.Unmarshal(item, &cmd); err != nil {
		d.logger.Warn("malformed command payload", zap.Error(err))
		return
	}
	if cmd.Command == "" {
		return
	}

	d.logger.Info("dispatching command", zap.String("command", cmd.Command))

	var err error
	switch cmd.Command {
	case "reboot":
		err = d.dispatchReboot(ctx)
	case "release":
		err = d.dispatchRelease(ctx)
	case "reprovision":
		err = d.dispatchReprovision(ctx)
	case "update":
		err = d.dispatchUpdate(ctx, cmd.Version)
	default:
		d.bus.Publish(bus.CommandTopic(cmd.Command), cmd)
		return
	}

	if err != nil {
		d.logger.Error("command dispatch failed", zap.String("command", cmd.Command), zap.Error(err))
	}
}

func (d *Dispatcher) dispatchReboot(ctx context.Context) error {
	if d.restarter == nil {
		return agenterr.New(agenterr.BadState, "dispatch", "reboot", "no restarter configured")
	}
	return d.restarter.Restart(ctx)
}

func (d *Dispatcher) dispatchRelease(ctx context.Context) error {
	if d.provisioner == nil {
		return agenterr.New(agenterr.BadState, "dispatch", "release", "no provisioner configured")
	}
	return d.provisioner.Deprovision(ctx)
}

func (d *Dispatcher) dispatchReprovision(ctx context.Context) error {
	if d.provisioner == nil {
		return agenterr.New(agenterr.BadState, "dispatch", "reprovision", "no provisioner configured")
	}
	if err := d.provisioner.Deprovision(ctx); err != nil {
		return err
	}
	return d.provisioner.Provision(ctx)
}

func (d *Dispatcher) dispatchUpdate(ctx context.Context, version string) error {
	if d.updater == nil {
		return agenterr.New(agenterr.BadState, "dispatch", "update", "no updater configured")
	}
	return d.updater.Update(ctx, version)
}
