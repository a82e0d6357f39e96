// Package dispatch routes management operations to their method handlers.
// A method bundles the full lifecycle of one device operation: validation
// and queueing on apply, plus follow-up work when the device answers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
)

// ErrMethodNotFound is returned when no handler is registered for a method.
var ErrMethodNotFound = errors.New("method not found")

// Request carries the caller's input to a method handler.
type Request struct {
	Method   string
	Username string
	Params   json.RawMessage
}

// Result is a method handler's answer to an apply call.
type Result struct {
	IDs     []string `json:"ids"`
	Status  string   `json:"status"`
	Message string   `json:"message"`
}

// Handler implements one management method. Apply validates the request and
// usually queues work for the device; Complete, Error and Remove run after
// the queued job reaches the matching terminal state. Lifecycle hooks must
// tolerate being called more than once for the same job.
type Handler interface {
	Apply(ctx context.Context, dev *devices.Device, req Request) (*Result, error)
	Complete(ctx context.Context, job jobqueue.Job) error
	Error(ctx context.Context, job jobqueue.Job) error
	Remove(ctx context.Context, job jobqueue.Job) error
}

// NoopHandler provides no-op lifecycle hooks. Methods that only need Apply
// embed it instead of writing empty stubs.
type NoopHandler struct{}

func (NoopHandler) Apply(ctx context.Context, dev *devices.Device, req Request) (*Result, error) {
	return nil, errors.New("method does not support apply")
}
func (NoopHandler) Complete(ctx context.Context, job jobqueue.Job) error { return nil }
func (NoopHandler) Error(ctx context.Context, job jobqueue.Job) error    { return nil }
func (NoopHandler) Remove(ctx context.Context, job jobqueue.Job) error   { return nil }

// ValidationError marks a request as rejected by a handler's own checks, as
// opposed to an internal failure. HTTP layers map it to a 400-class status.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validation builds a ValidationError.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Registry maps method names to handlers. Registration happens once at
// startup; duplicate names are a programming error and panic.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[string]Handler
	allowOverride bool
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// AllowOverride lets later registrations replace earlier ones. Tests use it
// to swap a real handler for a stub.
func (r *Registry) AllowOverride() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowOverride = true
}

// Register binds a handler to a method name.
func (r *Registry) Register(method string, h Handler) {
	if method == "" {
		panic("dispatch: empty method name")
	}
	if h == nil {
		panic("dispatch: nil handler for method " + method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[method]; dup && !r.allowOverride {
		panic("dispatch: duplicate handler for method " + method)
	}
	r.handlers[method] = h
}

// Get returns the handler for a method.
func (r *Registry) Get(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns all registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatcher resolves methods and runs their lifecycle. It is the queue's
// callback sink: when a job terminates, the owning method's hook fires.
type Dispatcher struct {
	registry *Registry
	devices  *devices.Store
	queue    *jobqueue.Queue
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher over a method registry.
func NewDispatcher(registry *Registry, devStore *devices.Store, queue *jobqueue.Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		devices:  devStore,
		queue:    queue,
		logger:   logger,
	}
}

// Apply runs a method against a device. The device must exist; handlers
// decide everything else.
func (d *Dispatcher) Apply(ctx context.Context, deviceID string, req Request) (*Result, error) {
	h, ok := d.registry.Get(req.Method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, req.Method)
	}

	dev, err := d.devices.Get(deviceID)
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}

	res, err := h.Apply(ctx, dev, req)
	if err != nil {
		d.logger.Warn("apply rejected",
			zap.String("method", req.Method),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil, err
	}

	d.logger.Info("method applied",
		zap.String("method", req.Method),
		zap.String("device_id", deviceID),
		zap.String("username", req.Username),
		zap.ByteString("params", req.Params),
	)
	return res, nil
}

// RemoveJob withdraws a queued job and fires the owning method's Remove hook.
func (d *Dispatcher) RemoveJob(ctx context.Context, jobID string) (*jobqueue.Job, error) {
	job, err := d.queue.Remove(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if h, ok := d.registry.Get(job.Method); ok {
		if err := h.Remove(ctx, *job); err != nil {
			d.logger.Error("remove hook failed",
				zap.String("method", job.Method),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
	return job, nil
}

// OnComplete fires the owning method's Complete hook. Jobs whose method has
// no handler anymore (e.g. after an upgrade) are logged and skipped.
func (d *Dispatcher) OnComplete(ctx context.Context, job jobqueue.Job) {
	h, ok := d.registry.Get(job.Method)
	if !ok {
		d.logger.Warn("no handler for completed job",
			zap.String("method", job.Method),
			zap.String("job_id", job.ID),
		)
		return
	}
	if err := h.Complete(ctx, job); err != nil {
		d.logger.Error("complete hook failed",
			zap.String("method", job.Method),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// OnError fires the owning method's Error hook.
func (d *Dispatcher) OnError(ctx context.Context, job jobqueue.Job) {
	h, ok := d.registry.Get(job.Method)
	if !ok {
		d.logger.Warn("no handler for failed job",
			zap.String("method", job.Method),
			zap.String("job_id", job.ID),
		)
		return
	}
	if err := h.Error(ctx, job); err != nil {
		d.logger.Error("error hook failed",
			zap.String("method", job.Method),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
