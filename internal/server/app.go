// Copyright (c) 2026 Jeremy Hahn
// Copyright (c) 2026 Automate The Things, LLC
//
// This file is part of go-webcontrol.
//
// go-webcontrol is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server assembles the application from configuration: the
// biometric device, the backend client, the operation bridge, the
// connection hub, and the browser-facing control server, plus the
// optional diagnostics listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-webcontrol/internal/config"
	"github.com/jeremyhahn/go-webcontrol/internal/control"
	"github.com/jeremyhahn/go-webcontrol/pkg/adapters/logger"
	"github.com/jeremyhahn/go-webcontrol/pkg/biometric"
	"github.com/jeremyhahn/go-webcontrol/pkg/bridge"
	"github.com/jeremyhahn/go-webcontrol/pkg/client"
	"github.com/jeremyhahn/go-webcontrol/pkg/faults"
	"github.com/jeremyhahn/go-webcontrol/pkg/health"
	"github.com/jeremyhahn/go-webcontrol/pkg/metrics"
	"github.com/jeremyhahn/go-webcontrol/pkg/ratelimit"
	"github.com/jeremyhahn/go-webcontrol/pkg/retry"
)

// App owns every long-lived component and their event wiring.
type App struct {
	cfg        *config.Config
	log        logger.Logger
	classifier *faults.Classifier
	tracker    *retry.ConnectionTracker
	device     biometric.Device
	bridge     *bridge.Bridge
	hub        *control.Hub
	throttle   *ratelimit.Limiter
	control    *control.Server
	checker    *health.Checker

	mu       sync.Mutex
	started  bool
	closed   bool
	detach   []func()
	opStarts map[string]time.Time

	diagServer *http.Server
	collector  *metrics.ResourceCollector
	diagCancel context.CancelFunc
	diagWG     sync.WaitGroup
}

// New builds the application. Nothing listens until Start.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	log := setupLogger(cfg.Logging)
	classifier := faults.NewClassifier(log)
	tracker := retry.NewConnectionTracker()

	device, err := biometric.NewSimulator(biometric.SimulatorConfig{
		StorePath:    cfg.Keystore.Path,
		Passphrase:   cfg.Keystore.Passphrase,
		BiometryType: cfg.Keystore.BiometryType,
		Unavailable:  cfg.Keystore.Unavailable,
		Reason:       cfg.Keystore.UnavailableReason,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize biometric device: %w", err)
	}

	backend := client.NewRESTBackend(client.Params{
		Logger:     log,
		Classifier: classifier,
		Tracker:    tracker,
	})

	br, err := bridge.New(bridge.Params{
		Logger:           log,
		Device:           device,
		Backend:          backend,
		Classifier:       classifier,
		OperationTimeout: cfg.Operations.Timeout,
		NetworkAttempts:  cfg.Operations.NetworkAttempts,
		EnrollEndpoint:   endpointFromConfig(cfg.Endpoints.Enroll),
		ValidateEndpoint: endpointFromConfig(cfg.Endpoints.Validate),
		Prompts: bridge.Prompts{
			Enroll:           cfg.Operations.Prompts.Enroll,
			Validate:         cfg.Operations.Prompts.Validate,
			CancelButtonText: cfg.Operations.Prompts.CancelButtonText,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize operation bridge: %w", err)
	}

	hub, err := control.NewHub(control.HubParams{
		Logger:     log,
		Classifier: classifier,
		Commander:  br,
	})
	if err != nil {
		br.Close()
		return nil, fmt.Errorf("failed to initialize connection hub: %w", err)
	}

	throttle := ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		AttemptsPerMinute: cfg.RateLimit.AttemptsPerMin,
		Burst:             cfg.RateLimit.Burst,
	})

	ctrl, err := control.NewServer(control.Params{
		Logger:      log,
		Classifier:  classifier,
		Hub:         hub,
		Throttle:    throttle,
		Host:        cfg.Server.Host,
		Ports:       cfg.Server.PortCandidates(),
		IdleTimeout: cfg.Server.IdleTimeout,
	})
	if err != nil {
		br.Close()
		throttle.Stop()
		return nil, fmt.Errorf("failed to initialize control server: %w", err)
	}

	app := &App{
		cfg:        cfg,
		log:        log,
		classifier: classifier,
		tracker:    tracker,
		device:     device,
		bridge:     br,
		hub:        hub,
		throttle:   throttle,
		control:    ctrl,
		checker:    health.NewChecker(),
		opStarts:   make(map[string]time.Time),
	}
	app.wireEvents()
	app.registerHealthChecks()
	return app, nil
}

// setupLogger builds the application logger from config.
func setupLogger(cfg config.LoggingConfig) logger.Logger {
	var level slog.Level
	switch logger.ParseLevel(cfg.Level) {
	case logger.LevelDebug:
		level = slog.LevelDebug
	case logger.LevelWarn:
		level = slog.LevelWarn
	case logger.LevelError, logger.LevelFatal:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return logger.NewSlogAdapter(&logger.SlogConfig{Handler: handler})
}

// wireEvents connects the bridge feeds, the backend reachability
// tracker, and the fault classifier to the hub and the metrics.
func (a *App) wireEvents() {
	a.detach = append(a.detach,
		a.bridge.OnOperationStatus(a.onOperationStatus),
		a.bridge.OnLogUpdate(func(entry bridge.LogEntry) {
			a.hub.Broadcast(control.TypeLogUpdate, entry)
		}),
		a.bridge.OnStateChange(func(state bridge.AppState) {
			a.hub.BroadcastState(state)
		}),
		a.tracker.AddListener(retry.ConnectionListener{
			OnConnected:    a.hub.NetworkReconnected,
			OnDisconnected: func(error) { a.hub.NetworkDisconnected() },
		}),
		a.classifier.AddListener(func(fault *faults.Error) {
			metrics.RecordFault(string(fault.Code))
		}),
	)
}

// registerHealthChecks wires the component probes served by the
// diagnostics endpoint. The backend check reports degraded rather than
// unhealthy: key operations still work locally without a backend.
func (a *App) registerHealthChecks() {
	a.checker.RegisterCheck("control-server", func(ctx context.Context) health.CheckResult {
		status := a.control.Status()
		if !status.IsRunning {
			return health.CheckResult{
				Status:  health.StatusUnhealthy,
				Message: "control server not running",
			}
		}
		return health.CheckResult{
			Status:  health.StatusHealthy,
			Message: fmt.Sprintf("listening on %s (%d connections)", status.URL, status.ActiveConnections),
		}
	})

	a.checker.RegisterCheck("backend", func(ctx context.Context) health.CheckResult {
		connected, attempts := a.tracker.State()
		switch {
		case connected:
			return health.CheckResult{Status: health.StatusHealthy, Message: "backend reachable"}
		case attempts > 0:
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("backend unreachable (%d reconnect attempts)", attempts),
			}
		default:
			return health.CheckResult{Status: health.StatusHealthy, Message: "no backend traffic yet"}
		}
	})

	a.checker.RegisterCheck("biometric-device", func(ctx context.Context) health.CheckResult {
		avail, err := a.device.CheckAvailability(ctx)
		if err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
		}
		if !avail.Available {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: avail.Reason}
		}
		return health.CheckResult{Status: health.StatusHealthy, Message: avail.BiometryType}
	})
}

// onOperationStatus relays lifecycle events to connected browsers and
// records terminal phases with their measured duration.
func (a *App) onOperationStatus(ev bridge.StatusEvent) {
	a.hub.Broadcast(control.TypeOperationStatus, ev)

	a.mu.Lock()
	if ev.Phase == bridge.PhaseStarted {
		a.opStarts[ev.OperationID] = ev.Timestamp
		a.mu.Unlock()
		return
	}
	started, tracked := a.opStarts[ev.OperationID]
	delete(a.opStarts, ev.OperationID)
	a.mu.Unlock()

	// Operations that fail before starting have no measurable duration.
	var duration time.Duration
	if tracked {
		duration = ev.Timestamp.Sub(started)
	}
	metrics.RecordOperation(string(ev.Operation), phaseStatus(ev.Phase), duration)
}

func phaseStatus(p bridge.Phase) string {
	switch p {
	case bridge.PhaseSucceeded:
		return metrics.StatusSuccess
	case bridge.PhaseTimedOut:
		return metrics.StatusTimeout
	case bridge.PhaseCancelled:
		return metrics.StatusCancel
	default:
		return metrics.StatusError
	}
}

// Start brings up the control server and, when enabled, the diagnostics
// listener. Credentials for the new session are logged for the operator.
func (a *App) Start() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("application already stopped")
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if a.cfg.Diagnostics.Enabled {
		a.startDiagnostics()
	}

	status, err := a.control.Start()
	if err != nil {
		return err
	}

	a.log.Info("web control ready",
		logger.String("url", status.URL),
		logger.String("username", control.DefaultUsername),
		logger.String("password", status.Password))
	return nil
}

// Stop shuts everything down. It is safe to call more than once and
// without a prior Start.
func (a *App) Stop() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	wasStarted := a.started
	a.started = false
	detach := a.detach
	a.detach = nil
	a.mu.Unlock()

	if wasStarted {
		a.control.Stop()
	}
	for _, remove := range detach {
		remove()
	}
	a.bridge.Close()
	a.throttle.Stop()
	a.stopDiagnostics()

	a.log.Info("application stopped")
}

// Run starts the application and blocks until ctx is cancelled, then
// stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}

// Bridge exposes the operation bridge for direct invocations, such as
// one-shot CLI commands.
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

// ControlStatus reports the control server's current status.
func (a *App) ControlStatus() control.ServerStatus {
	return a.control.Status()
}

// startDiagnostics serves Prometheus metrics and a health snapshot on a
// separate listener. Unlike the control socket it uses net/http: it is
// an operator-only surface, not the browser protocol.
func (a *App) startDiagnostics() {
	metrics.Enable()

	ctx, cancel := context.WithCancel(context.Background())
	a.diagCancel = cancel
	a.collector = metrics.StartResourceCollector(ctx, 15*time.Second)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", a.handleHealthz)

	a.diagServer = &http.Server{
		Addr:              a.cfg.Diagnostics.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
	}

	a.diagWG.Add(1)
	go func() {
		defer a.diagWG.Done()
		a.log.Info("diagnostics server listening",
			logger.String("address", a.cfg.Diagnostics.Addr))
		if err := a.diagServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("diagnostics server failed", logger.Error(err))
		}
	}()
}

func (a *App) stopDiagnostics() {
	if a.diagCancel != nil {
		a.diagCancel()
	}
	if a.diagServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.diagServer.Shutdown(ctx)
	}
	a.diagWG.Wait()
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	results := a.checker.Run(r.Context())
	overall := health.AggregateStatus(results)

	payload := struct {
		Status health.Status        `json:"status"`
		Uptime string               `json:"uptime"`
		Checks []health.CheckResult `json:"checks"`
	}{
		Status: overall,
		Uptime: a.checker.Uptime().Round(time.Second).String(),
		Checks: results,
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(payload)
}

// endpointFromConfig maps a configured endpoint to the client type.
func endpointFromConfig(cfg config.EndpointConfig) client.Endpoint {
	return client.Endpoint{
		URL:           cfg.URL,
		Method:        cfg.Method,
		Headers:       cfg.Headers,
		CustomPayload: cfg.CustomPayload,
	}
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signalCh
		cancel()
	}()

	return ctx
}
