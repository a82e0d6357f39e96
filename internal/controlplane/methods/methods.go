// Package methods implements the built-in device management methods. Each
// method validates the request against the device record, queues one job for
// the agent, and runs its follow-up when the device answers.
package methods

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/dispatch"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
	"github.com/edgewan/edgewan/internal/version"
)

// Device-side entity and message identifiers. The agent switches on these;
// changing them breaks deployed devices.
const (
	entityAgent = "agent"

	msgStartRouter   = "start-router"
	msgStopRouter    = "stop-router"
	msgUpgradeDevice = "upgrade-device-sw"
	msgSyncDevice    = "sync-device"
)

// RegisterAll binds the built-in methods into a registry.
func RegisterAll(reg *dispatch.Registry, queue *jobqueue.Queue, devs *devices.Store, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg.Register("start", &Start{queue: queue, devices: devs, logger: logger})
	reg.Register("stop", &Stop{queue: queue, devices: devs, logger: logger})
	reg.Register("upgrade", &Upgrade{queue: queue, devices: devs, logger: logger})
	reg.Register("sync", &Sync{queue: queue, devices: devs, logger: logger})
}

// gateAgentVersion rejects operations on devices whose reported agent
// version is outside the supported range.
func gateAgentVersion(dev *devices.Device) error {
	verdict := version.VerifyAgentVersion(dev.Versions.Agent)
	if !verdict.Valid {
		return dispatch.Validation("%s", verdict.Err)
	}
	return nil
}

func enqueueAgentJob(ctx context.Context, queue *jobqueue.Queue, dev *devices.Device, method, message string, req dispatch.Request) (*dispatch.Result, error) {
	job, err := queue.Enqueue(ctx, jobqueue.Job{
		DeviceID: dev.ID,
		Method:   method,
		Entity:   entityAgent,
		Message:  message,
		Params:   req.Params,
		Username: req.Username,
	})
	if err != nil {
		return nil, fmt.Errorf("queue %s job: %w", method, err)
	}
	return &dispatch.Result{IDs: []string{job.ID}, Status: "queued", Message: ""}, nil
}

// Start brings up the router on a device.
type Start struct {
	dispatch.NoopHandler
	queue   *jobqueue.Queue
	devices *devices.Store
	logger  *zap.Logger
}

func (h *Start) Apply(ctx context.Context, dev *devices.Device, req dispatch.Request) (*dispatch.Result, error) {
	if err := gateAgentVersion(dev); err != nil {
		return nil, err
	}
	return enqueueAgentJob(ctx, h.queue, dev, "start", msgStartRouter, req)
}

func (h *Start) Complete(ctx context.Context, job jobqueue.Job) error {
	h.logger.Info("router started", zap.String("device_id", job.DeviceID))
	return nil
}

// Stop shuts down the router on a device.
type Stop struct {
	dispatch.NoopHandler
	queue   *jobqueue.Queue
	devices *devices.Store
	logger  *zap.Logger
}

func (h *Stop) Apply(ctx context.Context, dev *devices.Device, req dispatch.Request) (*dispatch.Result, error) {
	if err := gateAgentVersion(dev); err != nil {
		return nil, err
	}
	return enqueueAgentJob(ctx, h.queue, dev, "stop", msgStopRouter, req)
}

func (h *Stop) Complete(ctx context.Context, job jobqueue.Job) error {
	h.logger.Info("router stopped", zap.String("device_id", job.DeviceID))
	return nil
}

// upgradeParams is the payload for an upgrade request and job.
type upgradeParams struct {
	Version string `json:"version"`
}

// Upgrade installs a new agent version on a device.
type Upgrade struct {
	dispatch.NoopHandler
	queue   *jobqueue.Queue
	devices *devices.Store
	logger  *zap.Logger
}

func (h *Upgrade) Apply(ctx context.Context, dev *devices.Device, req dispatch.Request) (*dispatch.Result, error) {
	if err := gateAgentVersion(dev); err != nil {
		return nil, err
	}

	var p upgradeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Version == "" {
		return nil, dispatch.Validation("upgrade requires a target version")
	}
	if !version.IsSemVer(p.Version) {
		return nil, dispatch.Validation("invalid target version: %s", p.Version)
	}
	if ge, ok := version.IsVersionGreaterEquals(dev.Versions.Agent, p.Version); ok && ge {
		return nil, dispatch.Validation("device already runs version %s or newer", p.Version)
	}

	return enqueueAgentJob(ctx, h.queue, dev, "upgrade", msgUpgradeDevice, req)
}

// Complete records the new agent version on the device record. The device
// reconnects after the upgrade; its handshake re-verifies the real version.
func (h *Upgrade) Complete(ctx context.Context, job jobqueue.Job) error {
	var p upgradeParams
	if err := json.Unmarshal(job.Params, &p); err != nil {
		return fmt.Errorf("decode upgrade params: %w", err)
	}
	h.logger.Info("device upgraded",
		zap.String("device_id", job.DeviceID),
		zap.String("version", p.Version),
	)
	return h.devices.SetAgentVersion(job.DeviceID, p.Version)
}

func (h *Upgrade) Error(ctx context.Context, job jobqueue.Job) error {
	h.logger.Warn("device upgrade failed",
		zap.String("device_id", job.DeviceID),
		zap.String("error", job.Error),
	)
	return nil
}

// Sync pushes the full desired configuration to a device that drifted.
type Sync struct {
	dispatch.NoopHandler
	queue   *jobqueue.Queue
	devices *devices.Store
	logger  *zap.Logger
}

func (h *Sync) Apply(ctx context.Context, dev *devices.Device, req dispatch.Request) (*dispatch.Result, error) {
	if err := gateAgentVersion(dev); err != nil {
		return nil, err
	}
	return enqueueAgentJob(ctx, h.queue, dev, "sync", msgSyncDevice, req)
}

func (h *Sync) Complete(ctx context.Context, job jobqueue.Job) error {
	h.logger.Info("device synced", zap.String("device_id", job.DeviceID))
	return nil
}
