package connections

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/protocol"
	"github.com/edgewan/edgewan/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Devices connect from arbitrary hosts, so all origins are allowed.
	// Authentication happens before upgrade via DeviceAuthenticator.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// DeviceAuthenticator validates a device's identity and credentials.
// Returns true if the machine id + device token are valid.
type DeviceAuthenticator func(machineID, deviceToken string) bool

// MessageHandler receives inbound envelopes the transport does not consume
// itself (device info, heartbeats, unknown types). Job results are routed to
// the registry's pending table before this fires.
type MessageHandler func(machineID string, env protocol.Envelope)

// WSServer accepts device WebSocket connections, gates them on agent version
// and credentials, and feeds the connection registry.
type WSServer struct {
	reg    *Registry
	logger *zap.Logger

	mu            sync.Mutex
	authenticator DeviceAuthenticator // nil = no auth (testing only)
	onMsg         MessageHandler
}

// NewWSServer creates a WebSocket front end for the registry.
func NewWSServer(reg *Registry, logger *zap.Logger) *WSServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSServer{reg: reg, logger: logger}
}

// Socket liveness fallback when no heartbeat window is configured.
const defaultReadWait = 90 * time.Second

// readWait is the socket read deadline. It follows the registry's heartbeat
// window so the socket itself detects a silent peer within the configured
// window instead of leaving that to the slower reaper.
func (s *WSServer) readWait() time.Duration {
	if w := s.reg.hbWindow; w > 0 {
		return w
	}
	return defaultReadWait
}

// SetAuthenticator installs a callback that validates device credentials
// during the handshake, before the connection is upgraded.
func (s *WSServer) SetAuthenticator(auth DeviceAuthenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticator = auth
}

// SetMessageHandler installs the callback for inbound device messages.
func (s *WSServer) SetMessageHandler(onMsg MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMsg = onMsg
}

// HandleDeviceWS is the HTTP handler for device control-channel connections.
// The device identifies itself with machine_id and fwagent_version query
// parameters and a bearer device token. Handshakes from agents outside the
// supported version range are rejected before upgrade.
func (s *WSServer) HandleDeviceWS(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		http.Error(w, "missing machine id", http.StatusBadRequest)
		return
	}

	verdict := version.VerifyAgentVersion(r.URL.Query().Get("fwagent_version"))
	if !verdict.Valid {
		http.Error(w, verdict.Err, verdict.StatusCode)
		s.logger.Warn("device connection rejected: version gate",
			zap.String("machine_id", machineID),
			zap.String("reason", verdict.Err),
		)
		return
	}

	s.mu.Lock()
	auth := s.authenticator
	onMsg := s.onMsg
	s.mu.Unlock()

	if auth != nil {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
			s.logger.Warn("device connection rejected: no bearer token",
				zap.String("machine_id", machineID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
		if !auth(machineID, token) {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusForbidden)
			s.logger.Warn("device connection rejected: invalid credentials",
				zap.String("machine_id", machineID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}

	ch := &wsChannel{conn: conn}
	s.reg.Connect(machineID, ch)
	defer s.reg.DisconnectChannel(machineID, ch)

	// Ping/pong keepalive. A pong also counts as liveness for the
	// registry's heartbeat window.
	readWait := s.readWait()
	conn.SetPongHandler(func(string) error {
		_ = s.reg.Heartbeat(machineID)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(readWait))

	go func() {
		ticker := time.NewTicker(readWait / 3)
		defer ticker.Stop()
		for range ticker.C {
			if err := ch.ping(); err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn("invalid message from device",
				zap.String("machine_id", machineID),
				zap.Error(err),
			)
			continue
		}

		_ = s.reg.Heartbeat(machineID)

		switch env.Type {
		case protocol.MsgJobResult:
			var res protocol.JobResultPayload
			if err := json.Unmarshal(env.Payload, &res); err != nil {
				s.logger.Warn("invalid job result from device",
					zap.String("machine_id", machineID),
					zap.Error(err),
				)
				continue
			}
			if err := s.reg.Resolve(machineID, env.Seq, res); err != nil {
				// Late response after expiry or reconnect.
				s.logger.Warn("unmatched job result",
					zap.String("machine_id", machineID),
					zap.Uint64("seq", env.Seq),
					zap.String("job_id", res.JobID),
				)
			}
		default:
			if onMsg != nil {
				onMsg(machineID, env)
			}
		}
	}
}

// wsChannel wraps a gorilla connection behind the Channel interface.
// The mutex serializes writes; gorilla permits one concurrent writer.
type wsChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsChannel) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *wsChannel) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// extractBearerToken pulls the token from "Authorization: Bearer <token>".
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
