package methods

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/dispatch"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
)

type fixture struct {
	registry *dispatch.Registry
	queue    *jobqueue.Queue
	store    *jobqueue.Store
	devices  *devices.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	devStore, err := devices.NewStore(filepath.Join(dir, "devices.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("device store: %v", err)
	}
	t.Cleanup(func() { _ = devStore.Close() })

	jobStore, err := jobqueue.NewStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("job store: %v", err)
	}
	t.Cleanup(func() { _ = jobStore.Close() })

	queue := jobqueue.NewQueue(jobStore, nil, zap.NewNop(), nil)
	t.Cleanup(queue.Stop)

	reg := dispatch.NewRegistry()
	RegisterAll(reg, queue, devStore, zap.NewNop())

	return &fixture{registry: reg, queue: queue, store: jobStore, devices: devStore}
}

func (f *fixture) registerDevice(t *testing.T, agentVersion string) *devices.Device {
	t.Helper()
	dev, err := f.devices.Register(devices.Device{
		MachineID: "mach-" + t.Name(),
		Org:       "org-1",
		Account:   "acct-1",
		Versions:  devices.Versions{Agent: agentVersion},
	}, "token")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	return dev
}

func (f *fixture) apply(t *testing.T, dev *devices.Device, method string, params json.RawMessage) (*dispatch.Result, error) {
	t.Helper()
	h, ok := f.registry.Get(method)
	if !ok {
		t.Fatalf("method %s not registered", method)
	}
	return h.Apply(context.Background(), dev, dispatch.Request{
		Method:   method,
		Username: "admin@example.com",
		Params:   params,
	})
}

func TestRegisterAllBindsBuiltins(t *testing.T) {
	f := newFixture(t)

	for _, m := range []string{"start", "stop", "upgrade", "sync"} {
		if _, ok := f.registry.Get(m); !ok {
			t.Fatalf("expected method %q registered", m)
		}
	}
}

func TestStartQueuesRouterStartJob(t *testing.T) {
	f := newFixture(t)
	dev := f.registerDevice(t, "6.0.0")

	res, err := f.apply(t, dev, "start", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "queued" || len(res.IDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	job, err := f.store.Get(res.IDs[0])
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.DeviceID != dev.ID || job.Entity != "agent" || job.Message != "start-router" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Username != "admin@example.com" {
		t.Fatalf("expected username recorded, got %q", job.Username)
	}
}

func TestStopQueuesRouterStopJob(t *testing.T) {
	f := newFixture(t)
	dev := f.registerDevice(t, "6.0.0")

	res, err := f.apply(t, dev, "stop", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	job, _ := f.store.Get(res.IDs[0])
	if job.Message != "stop-router" {
		t.Fatalf("expected stop-router message, got %q", job.Message)
	}
}

func TestSyncQueuesSyncJob(t *testing.T) {
	f := newFixture(t)
	dev := f.registerDevice(t, "5.2.0")

	res, err := f.apply(t, dev, "sync", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	job, _ := f.store.Get(res.IDs[0])
	if job.Message != "sync-device" {
		t.Fatalf("expected sync-device message, got %q", job.Message)
	}
}

func TestApplyRejectsUnsupportedAgentVersion(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name         string
		agentVersion string
	}{
		{"no version", ""},
		{"malformed", "not-a-version"},
		{"too old", "4.0.0"},
		{"too new", "7.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := f.registerDevice(t, tt.agentVersion)
			_, err := f.apply(t, dev, "start", nil)
			if !dispatch.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpgradeQueuesJobWithParams(t *testing.T) {
	f := newFixture(t)
	dev := f.registerDevice(t, "5.1.0")

	res, err := f.apply(t, dev, "upgrade", json.RawMessage(`{"version":"6.0.0"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	job, _ := f.store.Get(res.IDs[0])
	if job.Message != "upgrade-device-sw" {
		t.Fatalf("expected upgrade-device-sw message, got %q", job.Message)
	}
	var p upgradeParams
	if err := json.Unmarshal(job.Params, &p); err != nil || p.Version != "6.0.0" {
		t.Fatalf("unexpected job params: %s", job.Params)
	}
}

func TestUpgradeValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name         string
		agentVersion string
		params       string
	}{
		{"missing params", "5.1.0", `{}`},
		{"malformed target", "5.1.0", `{"version":"abc"}`},
		{"already newer", "6.0.0", `{"version":"5.0.0"}`},
		{"same version", "6.0.0", `{"version":"6.0.0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := f.registerDevice(t, tt.agentVersion)
			_, err := f.apply(t, dev, "upgrade", json.RawMessage(tt.params))
			if !dispatch.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestUpgradeCompleteRecordsVersion(t *testing.T) {
	f := newFixture(t)
	dev := f.registerDevice(t, "5.1.0")

	res, err := f.apply(t, dev, "upgrade", json.RawMessage(`{"version":"6.0.0"}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	job, _ := f.store.Get(res.IDs[0])

	h, _ := f.registry.Get("upgrade")
	if err := h.Complete(context.Background(), *job); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := f.devices.Get(dev.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.Versions.Agent != "6.0.0" {
		t.Fatalf("expected agent version 6.0.0, got %q", got.Versions.Agent)
	}
}

func TestUpgradeErrorHookTolerated(t *testing.T) {
	f := newFixture(t)

	h, _ := f.registry.Get("upgrade")
	if err := h.Error(context.Background(), jobqueue.Job{ID: "j", DeviceID: "d", Error: "download failed"}); err != nil {
		t.Fatalf("error hook: %v", err)
	}
}
