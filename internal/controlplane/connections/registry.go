// Package connections tracks which devices currently hold an open control
// channel and correlates outbound requests with inbound responses over it.
//
// Each instance of the control plane owns the registry for the devices
// connected to it; deployments with multiple instances mirror the
// connect/disconnect/heartbeat events published on the bus into a shared
// store for global connectivity lookups.
package connections

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/events"
	"github.com/edgewan/edgewan/internal/protocol"
)

// Channel is the transport handle for one connected device.
type Channel interface {
	Send(env protocol.Envelope) error
	Close() error
}

var (
	// ErrNotConnected is returned by Send when the device has no open channel.
	ErrNotConnected = errors.New("device not connected")
	// ErrTimeout resolves a pending request whose expiry fired before a
	// device response arrived. Distinct from a device-reported failure.
	ErrTimeout = errors.New("timed out waiting for device response")
	// ErrChannelClosed resolves pending requests when the device's channel
	// goes away (disconnect or supersession) before a response arrives.
	ErrChannelClosed = errors.New("device channel closed")
)

// Response completes a pending correlated request: either a device result or
// a terminal error, never both.
type Response struct {
	Result *protocol.JobResultPayload
	Err    error
}

// Pending represents an in-flight request awaiting a device response.
// The Response channel (buffer 1) receives exactly one value.
type Pending struct {
	DeviceID string
	Seq      uint64
	SentAt   time.Time
	Response chan Response

	deadline time.Time
}

type pendingKey struct {
	deviceID string
	seq      uint64
}

type conn struct {
	deviceID  string
	ch        Channel
	seq       uint64
	connected time.Time
	lastSeen  time.Time
}

// Registry maps device identity to a live channel. At most one channel per
// device: a new Connect supersedes and closes the previous one.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*conn
	pending map[pendingKey]*Pending

	hbWindow time.Duration
	logger   *zap.Logger
	bus      *events.Bus

	onConnect    func(deviceID string)
	onDisconnect func(deviceID string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a connection registry. hbWindow is how long a device
// may go without a heartbeat before it is treated as disconnected.
func NewRegistry(hbWindow time.Duration, logger *zap.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		conns:    make(map[string]*conn),
		pending:  make(map[pendingKey]*Pending),
		hbWindow: hbWindow,
		logger:   logger,
		bus:      bus,
		stop:     make(chan struct{}),
	}
	go r.reaper()
	return r
}

// SetLifecycleHooks installs callbacks for connect/disconnect transitions.
// The job queue hooks these to start and stop per-device delivery.
func (r *Registry) SetLifecycleHooks(onConnect, onDisconnect func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = onConnect
	r.onDisconnect = onDisconnect
}

// Connect registers a channel for a device. An existing channel for the same
// device id is superseded: it is closed and its pending requests fail with
// ErrChannelClosed, so stale channels can never receive deliveries.
func (r *Registry) Connect(deviceID string, ch Channel) {
	now := time.Now().UTC()

	r.mu.Lock()
	if existing, ok := r.conns[deviceID]; ok {
		_ = existing.ch.Close()
		r.failPendingLocked(deviceID, ErrChannelClosed)
		r.logger.Info("device channel superseded", zap.String("device_id", deviceID))
	}
	r.conns[deviceID] = &conn{
		deviceID:  deviceID,
		ch:        ch,
		connected: now,
		lastSeen:  now,
	}
	onConnect := r.onConnect
	r.mu.Unlock()

	r.logger.Info("device connected", zap.String("device_id", deviceID))
	r.publish(events.DeviceConnected, deviceID, "device connected")
	if onConnect != nil {
		onConnect(deviceID)
	}
}

// Disconnect removes the device's channel and fails its pending requests.
// Idempotent: disconnecting an unknown device is a no-op.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	c, ok := r.conns[deviceID]
	if ok {
		delete(r.conns, deviceID)
		r.failPendingLocked(deviceID, ErrChannelClosed)
	}
	onDisconnect := r.onDisconnect
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = c.ch.Close()
	r.logger.Info("device disconnected", zap.String("device_id", deviceID))
	r.publish(events.DeviceDisconnected, deviceID, "device disconnected")
	if onDisconnect != nil {
		onDisconnect(deviceID)
	}
}

// DisconnectChannel removes the mapping only if ch is still the device's
// current channel. Transport read loops use this on exit so that a
// superseded channel cannot tear down its successor.
func (r *Registry) DisconnectChannel(deviceID string, ch Channel) {
	r.mu.Lock()
	c, ok := r.conns[deviceID]
	current := ok && c.ch == ch
	if current {
		delete(r.conns, deviceID)
		r.failPendingLocked(deviceID, ErrChannelClosed)
	}
	onDisconnect := r.onDisconnect
	r.mu.Unlock()

	if !current {
		return
	}
	_ = ch.Close()
	r.logger.Info("device disconnected", zap.String("device_id", deviceID))
	r.publish(events.DeviceDisconnected, deviceID, "device disconnected")
	if onDisconnect != nil {
		onDisconnect(deviceID)
	}
}

// Heartbeat refreshes the liveness timer for a device.
func (r *Registry) Heartbeat(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[deviceID]
	if !ok {
		return fmt.Errorf("unknown device: %s", deviceID)
	}
	c.lastSeen = time.Now().UTC()
	return nil
}

// IsConnected reports whether the device holds an open channel on this instance.
func (r *Registry) IsConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[deviceID]
	return ok
}

// Connected returns the ids of all connected devices.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// ConnectedCount returns the number of open channels.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// InFlight returns the number of pending correlated requests.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Send transmits a message to a device and registers a pending entry for the
// response. It returns immediately; the caller receives exactly one Response
// on Pending.Response when the device answers, the channel closes, or ttl
// expires. The correlation id is the device's next sequence number.
func (r *Registry) Send(deviceID string, msgType protocol.MessageType, payload any, ttl time.Duration) (*Pending, error) {
	r.mu.Lock()
	c, ok := r.conns[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	c.seq++
	seq := c.seq
	env, err := protocol.NewEnvelope(seq, msgType, payload)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	p := &Pending{
		DeviceID: deviceID,
		Seq:      seq,
		SentAt:   now,
		Response: make(chan Response, 1),
		deadline: now.Add(ttl),
	}
	key := pendingKey{deviceID: deviceID, seq: seq}
	r.pending[key] = p
	ch := c.ch
	r.mu.Unlock()

	if err := ch.Send(env); err != nil {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
		return nil, fmt.Errorf("send to %s: %w", deviceID, err)
	}
	return p, nil
}

// Resolve completes the pending request matching (deviceID, seq) with a
// device-reported result. Returns an error when no such request is pending
// (already expired, superseded, or unknown).
func (r *Registry) Resolve(deviceID string, seq uint64, result protocol.JobResultPayload) error {
	key := pendingKey{deviceID: deviceID, seq: seq}

	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending request for device %s seq %d", deviceID, seq)
	}
	p.Response <- Response{Result: &result}
	return nil
}

// Close stops the reaper and disconnects every device.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	for _, id := range r.Connected() {
		r.Disconnect(id)
	}
}

// failPendingLocked fails every pending request for a device. Caller holds r.mu.
func (r *Registry) failPendingLocked(deviceID string, cause error) {
	for key, p := range r.pending {
		if key.deviceID == deviceID {
			delete(r.pending, key)
			p.Response <- Response{Err: cause}
		}
	}
}

// reaper expires stale pending requests and enforces the heartbeat window.
func (r *Registry) reaper() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expirePending()
			r.expireStaleConnections()
		}
	}
}

func (r *Registry) expirePending() {
	now := time.Now().UTC()

	r.mu.Lock()
	var expired []*Pending
	for key, p := range r.pending {
		if p.deadline.Before(now) {
			delete(r.pending, key)
			expired = append(expired, p)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.Response <- Response{Err: ErrTimeout}
		r.logger.Warn("pending request expired",
			zap.String("device_id", p.DeviceID),
			zap.Uint64("seq", p.Seq),
		)
	}
}

func (r *Registry) expireStaleConnections() {
	if r.hbWindow <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.hbWindow)

	r.mu.Lock()
	var stale []string
	for id, c := range r.conns {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Warn("device heartbeat expired", zap.String("device_id", id))
		r.publish(events.DeviceOffline, id, "device heartbeat expired")
		r.Disconnect(id)
	}
}

func (r *Registry) publish(evtType events.EventType, deviceID, summary string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{Type: evtType, DeviceID: deviceID, Summary: summary})
}
