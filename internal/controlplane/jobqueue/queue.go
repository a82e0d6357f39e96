// Package jobqueue delivers queued jobs to devices, one at a time per device
// in FIFO order. Delivery is at-least-once: a job sent to a device that
// disconnects before answering returns to the queue and is sent again on
// reconnect, so device-side handlers must be idempotent.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/connections"
	"github.com/edgewan/edgewan/internal/controlplane/events"
	"github.com/edgewan/edgewan/internal/protocol"
	"github.com/edgewan/edgewan/internal/storage"
)

const (
	defaultResponseTimeout = 10 * time.Minute
	defaultRetention       = 7 * 24 * time.Hour
	retentionSchedule      = "@hourly"
	storeMaxAttempts       = 5
)

// Transport sends correlated messages to connected devices.
// *connections.Registry satisfies it.
type Transport interface {
	Send(deviceID string, msgType protocol.MessageType, payload any, ttl time.Duration) (*connections.Pending, error)
}

// Callbacks receives job lifecycle notifications after the device answers.
// The method dispatcher implements this to run per-method completion logic.
type Callbacks interface {
	OnComplete(ctx context.Context, job Job)
	OnError(ctx context.Context, job Job)
}

type worker struct {
	stop chan struct{}
	wake chan struct{}
	done chan struct{}
}

// Queue owns one delivery worker per connected device.
type Queue struct {
	store     *Store
	transport Transport
	logger    *zap.Logger
	bus       *events.Bus

	responseTimeout time.Duration
	retention       time.Duration

	mu        sync.Mutex
	workers   map[string]*worker
	callbacks Callbacks

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a delivery queue on top of a job store and a transport.
func NewQueue(store *Store, transport Transport, logger *zap.Logger, bus *events.Bus) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:           store,
		transport:       transport,
		logger:          logger,
		bus:             bus,
		responseTimeout: defaultResponseTimeout,
		retention:       defaultRetention,
		workers:         make(map[string]*worker),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetCallbacks installs the lifecycle callback sink. Must be called before
// Start; the dispatcher and the queue reference each other, so wiring happens
// in two steps.
func (q *Queue) SetCallbacks(cb Callbacks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = cb
}

// SetResponseTimeout overrides how long a dispatched job may wait for the
// device's answer.
func (q *Queue) SetResponseTimeout(d time.Duration) {
	if d > 0 {
		q.responseTimeout = d
	}
}

// SetRetention overrides how long terminal jobs are kept before the sweep
// deletes them.
func (q *Queue) SetRetention(d time.Duration) {
	if d > 0 {
		q.retention = d
	}
}

// Start recovers in-flight state from a previous run and schedules the
// retention sweep. Dispatched jobs found at startup return to queued.
func (q *Queue) Start() error {
	n, err := q.store.RequeueAllDispatched()
	if err != nil {
		return fmt.Errorf("recover dispatched jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("requeued in-flight jobs from previous run", zap.Int64("count", n))
	}

	q.cron = cron.New()
	if _, err := q.cron.AddFunc(retentionSchedule, q.sweep); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	q.cron.Start()
	return nil
}

// Stop halts all workers and the retention sweep. Jobs in flight stay
// dispatched and are recovered on the next Start.
func (q *Queue) Stop() {
	if q.cron != nil {
		q.cron.Stop()
	}
	q.cancel()

	q.mu.Lock()
	for id, w := range q.workers {
		close(w.stop)
		delete(q.workers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// Enqueue persists a new job for a device and wakes its worker if one is
// running. The job is delivered immediately when the device is connected,
// or on its next connect otherwise.
func (q *Queue) Enqueue(ctx context.Context, job Job) (*Job, error) {
	var out *Job
	err := storage.Retry(ctx, func() error {
		var err error
		out, err = q.store.Enqueue(job)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.logger.Info("job queued",
		zap.String("job_id", out.ID),
		zap.String("device_id", out.DeviceID),
		zap.String("method", out.Method),
	)
	q.publish(events.JobQueued, out.DeviceID, out.ID, "job queued")
	q.wake(out.DeviceID)
	return out, nil
}

// Remove withdraws a queued job. Jobs already sent to the device cannot be
// withdrawn and return ErrStateConflict.
func (q *Queue) Remove(ctx context.Context, jobID string) (*Job, error) {
	if err := q.store.Remove(jobID); err != nil {
		return nil, err
	}
	job, err := q.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("job removed", zap.String("job_id", jobID))
	q.publish(events.JobRemoved, job.DeviceID, jobID, "job removed")
	return job, nil
}

// Get returns one job by id.
func (q *Queue) Get(jobID string) (*Job, error) { return q.store.Get(jobID) }

// ListByDevice returns a device's jobs, newest first.
func (q *Queue) ListByDevice(deviceID, state string, limit int) ([]Job, error) {
	return q.store.ListByDevice(deviceID, state, limit)
}

// CountByState returns job counts per state across all devices.
func (q *Queue) CountByState() (map[string]int, error) { return q.store.CountByState() }

// NotifyConnected starts the delivery worker for a device. Wired to the
// connection registry's connect hook.
//
// Any existing worker is stopped and drained first. A superseding channel
// fires connect without an intervening disconnect, and even on a clean
// reconnect the previous worker may still be returning its in-flight job to
// the queue; the fresh worker must not start reading before that requeue
// lands.
func (q *Queue) NotifyConnected(deviceID string) {
	q.mu.Lock()
	old, ok := q.workers[deviceID]
	if ok {
		delete(q.workers, deviceID)
	}
	q.mu.Unlock()

	if ok {
		close(old.stop)
		<-old.done
	}

	w := &worker{
		stop: make(chan struct{}),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.mu.Lock()
	if _, exists := q.workers[deviceID]; exists {
		// Lost a race with a concurrent connect; its worker serves the device.
		q.mu.Unlock()
		return
	}
	q.workers[deviceID] = w
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(deviceID, w)
}

// NotifyDisconnected stops the delivery worker for a device. The in-flight
// job, if any, is returned to queued by the worker on its way out.
func (q *Queue) NotifyDisconnected(deviceID string) {
	q.mu.Lock()
	w, ok := q.workers[deviceID]
	if ok {
		delete(q.workers, deviceID)
	}
	q.mu.Unlock()

	if ok {
		close(w.stop)
	}
}

func (q *Queue) wake(deviceID string) {
	q.mu.Lock()
	w, ok := q.workers[deviceID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run is the per-device delivery loop: take the oldest queued job, send it,
// wait for the answer, repeat. One job in flight per device at a time.
func (q *Queue) run(deviceID string, w *worker) {
	defer q.wg.Done()
	defer close(w.done)

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		job, err := q.store.NextQueued(deviceID)
		if IsNotFound(err) {
			select {
			case <-w.stop:
				return
			case <-w.wake:
				continue
			}
		}
		if err != nil {
			q.logger.Error("next queued job", zap.String("device_id", deviceID), zap.Error(err))
			select {
			case <-w.stop:
				return
			case <-time.After(time.Second):
				continue
			}
		}

		if !q.deliver(deviceID, w, *job) {
			return
		}
	}
}

// deliver sends one job and waits for its outcome. Returns false when the
// worker should exit (device gone or queue stopping).
func (q *Queue) deliver(deviceID string, w *worker, job Job) bool {
	if err := q.store.MarkDispatched(job.ID); err != nil {
		// Lost a race with Remove; skip to the next job.
		if errors.Is(err, ErrStateConflict) || IsNotFound(err) {
			return true
		}
		q.logger.Error("mark dispatched", zap.String("job_id", job.ID), zap.Error(err))
		return true
	}

	pending, err := q.transport.Send(deviceID, protocol.MsgJob, protocol.JobPayload{
		JobID:   job.ID,
		Method:  job.Method,
		Entity:  job.Entity,
		Message: job.Message,
		Params:  job.Params,
	}, q.responseTimeout)
	if err != nil {
		q.requeue(job.ID)
		if errors.Is(err, connections.ErrNotConnected) {
			return false
		}
		q.logger.Warn("send job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}

	q.logger.Info("job dispatched",
		zap.String("job_id", job.ID),
		zap.String("device_id", deviceID),
		zap.Uint64("seq", pending.Seq),
	)
	q.publish(events.JobDispatched, deviceID, job.ID, "job dispatched")

	select {
	case <-w.stop:
		// Device gone mid-flight; the job goes back to the front of the
		// queue and is retried on the next connect.
		q.requeue(job.ID)
		return false
	case resp := <-pending.Response:
		return q.settle(deviceID, job, resp)
	}
}

func (q *Queue) settle(deviceID string, job Job, resp connections.Response) bool {
	switch {
	case resp.Err != nil:
		if errors.Is(resp.Err, connections.ErrChannelClosed) {
			q.requeue(job.ID)
			return false
		}
		// Timeout: the device held the channel but never answered.
		q.fail(deviceID, job, resp.Err.Error())
		return true

	case resp.Result.JobID != job.ID:
		q.logger.Warn("job result id mismatch",
			zap.String("expected", job.ID),
			zap.String("got", resp.Result.JobID),
		)
		q.fail(deviceID, job, "device answered with mismatched job id")
		return true

	case resp.Result.Status == protocol.JobStatusCompleted:
		if err := q.store.Complete(job.ID, resp.Result.Result); err != nil {
			q.logger.Error("complete job", zap.String("job_id", job.ID), zap.Error(err))
			return true
		}
		q.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("device_id", deviceID))
		q.publish(events.JobCompleted, deviceID, job.ID, "job completed")
		q.notify(job.ID, true)
		return true

	default:
		msg := resp.Result.Error
		if msg == "" {
			msg = fmt.Sprintf("device reported status %q", resp.Result.Status)
		}
		q.fail(deviceID, job, msg)
		return true
	}
}

func (q *Queue) fail(deviceID string, job Job, msg string) {
	if err := q.store.Fail(job.ID, msg); err != nil {
		q.logger.Error("fail job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("device_id", deviceID),
		zap.String("error", msg),
	)
	q.publish(events.JobFailed, deviceID, job.ID, msg)
	q.notify(job.ID, false)
}

func (q *Queue) requeue(jobID string) {
	if err := q.store.Requeue(jobID); err != nil && !errors.Is(err, ErrStateConflict) {
		q.logger.Error("requeue job", zap.String("job_id", jobID), zap.Error(err))
	}
}

// notify reloads the terminal job and hands it to the callback sink.
func (q *Queue) notify(jobID string, ok bool) {
	q.mu.Lock()
	cb := q.callbacks
	q.mu.Unlock()
	if cb == nil {
		return
	}

	job, err := q.store.Get(jobID)
	if err != nil {
		q.logger.Error("load job for callback", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if ok {
		cb.OnComplete(q.ctx, *job)
	} else {
		cb.OnError(q.ctx, *job)
	}
}

func (q *Queue) sweep() {
	n, err := q.store.PurgeFinishedOlderThan(q.retention)
	if err != nil {
		q.logger.Error("retention sweep", zap.Error(err))
		return
	}
	if n > 0 {
		q.logger.Info("purged finished jobs", zap.Int64("count", n))
	}
}

func (q *Queue) publish(evtType events.EventType, deviceID, jobID, summary string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.Event{Type: evtType, DeviceID: deviceID, JobID: jobID, Summary: summary})
}
