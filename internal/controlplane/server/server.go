// Package server wires together all control-plane subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/config"
	"github.com/edgewan/edgewan/internal/controlplane/connections"
	"github.com/edgewan/edgewan/internal/controlplane/devices"
	"github.com/edgewan/edgewan/internal/controlplane/dispatch"
	"github.com/edgewan/edgewan/internal/controlplane/events"
	"github.com/edgewan/edgewan/internal/controlplane/jobqueue"
	"github.com/edgewan/edgewan/internal/controlplane/metrics"
	"github.com/edgewan/edgewan/internal/controlplane/methods"
	"github.com/edgewan/edgewan/internal/controlplane/replace"
	"github.com/edgewan/edgewan/internal/protocol"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	devStore *devices.Store
	jobStore *jobqueue.Store

	eventBus   *events.Bus
	registry   *connections.Registry
	wsServer   *connections.WSServer
	queue      *jobqueue.Queue
	methods    *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	s.eventBus = events.NewBus(256)

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	devStore, err := devices.NewStore(filepath.Join(cfg.DataDir, "devices.db"), logger.Named("devices"))
	if err != nil {
		return nil, err
	}
	s.devStore = devStore

	jobStore, err := jobqueue.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		devStore.Close()
		return nil, err
	}
	s.jobStore = jobStore

	s.registry = connections.NewRegistry(cfg.HeartbeatWindow.Std(), logger.Named("conns"), s.eventBus)

	s.queue = jobqueue.NewQueue(jobStore, &registryTransport{reg: s.registry, devs: devStore}, logger.Named("queue"), s.eventBus)
	s.queue.SetResponseTimeout(cfg.JobResponseTimeout.Std())
	s.queue.SetRetention(cfg.JobRetention.Std())

	s.methods = dispatch.NewRegistry()
	s.dispatcher = dispatch.NewDispatcher(s.methods, devStore, s.queue, logger.Named("dispatch"))
	s.queue.SetCallbacks(s.dispatcher)

	methods.RegisterAll(s.methods, s.queue, devStore, logger.Named("methods"))
	replace.Register(s.methods, devStore, s.registry, devices.NopBilling{}, s.eventBus, logger.Named("replace"))

	s.initWS()

	s.collector = metrics.NewCollector(s.registry, s.queue, logger.Named("metrics"))
	s.collector.Watch(s.eventBus)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.queue.Start(); err != nil {
		return err
	}

	go s.staleSweeper(ctx)

	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Bool("device_auth", s.cfg.AuthEnabled),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	s.queue.Stop()
	s.registry.Close()
	s.collector.Stop()
	if s.jobStore != nil {
		s.jobStore.Close()
	}
	if s.devStore != nil {
		s.devStore.Close()
	}
}

// initWS binds the WebSocket endpoint to the device store. The registry
// speaks machine ids (what a device presents on the wire); the job queue
// speaks management device ids, so the lifecycle hooks translate.
func (s *Server) initWS() {
	s.wsServer = connections.NewWSServer(s.registry, s.logger.Named("ws"))

	if s.cfg.AuthEnabled {
		s.wsServer.SetAuthenticator(s.devStore.Authenticate)
	}

	s.registry.SetLifecycleHooks(func(machineID string) {
		if err := s.devStore.SetConnected(machineID, true); err != nil {
			s.logger.Warn("mark device connected", zap.String("machine_id", machineID), zap.Error(err))
		}
		dev, err := s.devStore.GetByMachineID(machineID)
		if err != nil {
			s.logger.Warn("connected device not registered", zap.String("machine_id", machineID))
			return
		}
		s.queue.NotifyConnected(dev.ID)
	}, func(machineID string) {
		if err := s.devStore.SetConnected(machineID, false); err != nil {
			s.logger.Warn("mark device disconnected", zap.String("machine_id", machineID), zap.Error(err))
		}
		dev, err := s.devStore.GetByMachineID(machineID)
		if err != nil {
			return
		}
		s.queue.NotifyDisconnected(dev.ID)
	})

	s.wsServer.SetMessageHandler(func(machineID string, env protocol.Envelope) {
		switch env.Type {
		case protocol.MsgHeartbeat:
			if err := s.devStore.Touch(machineID); err != nil {
				s.logger.Warn("heartbeat from unknown device", zap.String("machine_id", machineID))
			}
		case protocol.MsgDeviceInfo:
			var info protocol.DeviceInfoPayload
			if err := json.Unmarshal(env.Payload, &info); err != nil {
				s.logger.Warn("invalid device info", zap.String("machine_id", machineID), zap.Error(err))
				return
			}
			if err := s.devStore.UpdateDeviceInfo(machineID, info); err != nil {
				s.logger.Warn("update device info", zap.String("machine_id", machineID), zap.Error(err))
			}
		}
	})
}

// staleSweeper periodically marks devices that stopped reporting as
// disconnected in the store.
func (s *Server) staleSweeper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := s.devStore.MarkStaleDisconnected(s.cfg.StaleDeviceThreshold.Std())
			if err != nil {
				s.logger.Warn("stale device sweep failed", zap.Error(err))
				continue
			}
			for _, machineID := range stale {
				s.eventBus.Publish(events.Event{
					Type:     events.DeviceOffline,
					DeviceID: machineID,
					Summary:  "device stopped reporting",
				})
			}
		}
	}
}

// registryTransport adapts the machine-id keyed registry to the device-id
// keyed job queue.
type registryTransport struct {
	reg  *connections.Registry
	devs *devices.Store
}

func (t *registryTransport) Send(deviceID string, msgType protocol.MessageType, payload any, ttl time.Duration) (*connections.Pending, error) {
	dev, err := t.devs.Get(deviceID)
	if err != nil {
		return nil, connections.ErrNotConnected
	}
	return t.reg.Send(dev.MachineID, msgType, payload, ttl)
}
