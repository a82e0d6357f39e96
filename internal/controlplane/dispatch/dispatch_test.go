package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
)

// stubHandler records lifecycle calls.
type stubHandler struct {
	NoopHandler
	mu        sync.Mutex
	applied   []string
	completed []string
	failed    []string
	removed   []string
	applyErr  error
}

func (h *stubHandler) Apply(ctx context.Context, dev *devices.Device, req Request) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.applyErr != nil {
		return nil, h.applyErr
	}
	h.applied = append(h.applied, dev.ID)
	return &Result{IDs: []string{"job-1"}, Status: "queued", Message: "ok"}, nil
}

func (h *stubHandler) Complete(ctx context.Context, job jobqueue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, job.ID)
	return nil
}

func (h *stubHandler) Error(ctx context.Context, job jobqueue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, job.ID)
	return nil
}

func (h *stubHandler) Remove(ctx context.Context, job jobqueue.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, job.ID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *devices.Store, *jobqueue.Queue, *devices.Device) {
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

	dev, err := devStore.Register(devices.Device{
		MachineID: "mach-disp",
		Org:       "org-1",
		Account:   "acct-1",
	}, "token")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}

	reg := NewRegistry()
	d := NewDispatcher(reg, devStore, queue, zap.NewNop())
	return d, reg, devStore, queue, dev
}

func TestRegistryPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.Register("start", &stubHandler{})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.Register("start", &stubHandler{})
}

func TestRegistryAllowOverride(t *testing.T) {
	reg := NewRegistry()
	reg.Register("start", &stubHandler{})
	reg.AllowOverride()

	replacement := &stubHandler{}
	reg.Register("start", replacement)

	h, ok := reg.Get("start")
	if !ok || h != Handler(replacement) {
		t.Fatal("expected replacement handler after override")
	}
}

func TestRegistryMethodsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stop", &stubHandler{})
	reg.Register("start", &stubHandler{})
	reg.Register("sync", &stubHandler{})

	got := reg.Methods()
	want := []string{"start", "stop", "sync"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDispatcherApply(t *testing.T) {
	d, reg, _, _, dev := newTestDispatcher(t)
	h := &stubHandler{}
	reg.Register("start", h)

	res, err := d.Apply(context.Background(), dev.ID, Request{Method: "start", Username: "admin"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "queued" || len(res.IDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.applied) != 1 || h.applied[0] != dev.ID {
		t.Fatalf("expected apply on %s, got %v", dev.ID, h.applied)
	}
}

func TestDispatcherApplyAuditsParams(t *testing.T) {
	_, reg, devStore, queue, dev := newTestDispatcher(t)
	reg.Register("start", &stubHandler{})

	core, logs := observer.New(zapcore.InfoLevel)
	d := NewDispatcher(reg, devStore, queue, zap.New(core))

	req := Request{
		Method:   "start",
		Username: "admin@example.com",
		Params:   json.RawMessage(`{"soft":true}`),
	}
	if _, err := d.Apply(context.Background(), dev.ID, req); err != nil {
		t.Fatalf("apply: %v", err)
	}

	entries := logs.FilterMessage("method applied").All()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["method"] != "start" || fields["username"] != "admin@example.com" {
		t.Fatalf("unexpected audit fields: %v", fields)
	}
	if got, ok := fields["params"].(string); !ok || got != `{"soft":true}` {
		t.Fatalf("expected params in audit entry, got %v", fields["params"])
	}
}

func TestDispatcherApplyUnknownMethod(t *testing.T) {
	d, _, _, _, dev := newTestDispatcher(t)

	if _, err := d.Apply(context.Background(), dev.ID, Request{Method: "nope"}); !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}

func TestDispatcherApplyUnknownDevice(t *testing.T) {
	d, reg, _, _, _ := newTestDispatcher(t)
	reg.Register("start", &stubHandler{})

	if _, err := d.Apply(context.Background(), "no-such-device", Request{Method: "start"}); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestDispatcherApplyPropagatesValidation(t *testing.T) {
	d, reg, _, _, dev := newTestDispatcher(t)
	reg.Register("start", &stubHandler{applyErr: Validation("router already running")})

	_, err := d.Apply(context.Background(), dev.ID, Request{Method: "start"})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err.Error() != "router already running" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestDispatcherLifecycleHooks(t *testing.T) {
	d, reg, _, _, _ := newTestDispatcher(t)
	h := &stubHandler{}
	reg.Register("start", h)

	job := jobqueue.Job{ID: "job-x", Method: "start"}
	d.OnComplete(context.Background(), job)
	d.OnError(context.Background(), job)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.completed) != 1 || h.completed[0] != "job-x" {
		t.Fatalf("expected complete hook, got %v", h.completed)
	}
	if len(h.failed) != 1 || h.failed[0] != "job-x" {
		t.Fatalf("expected error hook, got %v", h.failed)
	}
}

func TestDispatcherHooksTolerateMissingHandler(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)

	// Must not panic for a method with no registered handler.
	job := jobqueue.Job{ID: "job-orphan", Method: "gone"}
	d.OnComplete(context.Background(), job)
	d.OnError(context.Background(), job)
}

func TestDispatcherRemoveJob(t *testing.T) {
	d, reg, _, queue, dev := newTestDispatcher(t)
	h := &stubHandler{}
	reg.Register("start", h)

	queued, err := queue.Enqueue(context.Background(), jobqueue.Job{DeviceID: dev.ID, Method: "start"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed, err := d.RemoveJob(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("remove job: %v", err)
	}
	if removed.State != jobqueue.StateRemoved {
		t.Fatalf("expected removed state, got %q", removed.State)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.removed) != 1 || h.removed[0] != queued.ID {
		t.Fatalf("expected remove hook for %s, got %v", queued.ID, h.removed)
	}
}

func TestNoopHandlerApplyRejected(t *testing.T) {
	var h NoopHandler
	if _, err := h.Apply(context.Background(), &devices.Device{}, Request{}); err == nil {
		t.Fatal("expected apply to be rejected")
	}
}
