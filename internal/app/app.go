package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"stringcomm/internal/crypto"
	"stringcomm/internal/gossip"
	"stringcomm/internal/node"
	"stringcomm/internal/transport"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownGrace     = 5 * time.Second
)

// App is a running string node with its listener and admin endpoint.
type App struct {
	Wire *Wire
	Node *node.Node

	cfg      Config
	listener *transport.Listener
	registry *prometheus.Registry
	admin    *http.Server
	ready    atomic.Bool
	log      *zap.Logger
}

// Open unlocks the identity under cfg.Home, binds the listener and builds
// the node. The caller must Close the app.
func Open(cfg Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := NewWire(cfg)
	id, err := w.IDs.Unlock(cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	l, err := transport.Listen(cfg.Node.Listen, id)
	if err != nil {
		crypto.WipeIdentity(&id)
		return nil, fmt.Errorf("listen %s: %w", cfg.Node.Listen, err)
	}
	dialer, err := transport.NewDialer(id)
	if err != nil {
		_ = l.Close()
		crypto.WipeIdentity(&id)
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	port := 0
	if ua, ok := l.Addr().(*net.UDPAddr); ok {
		port = ua.Port
	}
	n, err := node.New(cfg.nodeConfig(port), id, node.Options{
		Messages:   w.Messages,
		Keys:       w.Keys,
		Dialer:     dialer,
		Lighthouse: w.Lighthouse,
		Metrics:    gossip.NewMetrics(reg),
		Logger:     log,
	})
	if err != nil {
		_ = l.Close()
		crypto.WipeIdentity(&id)
		return nil, err
	}
	return &App{
		Wire:     w,
		Node:     n,
		cfg:      cfg,
		listener: l,
		registry: reg,
		log:      log,
	}, nil
}

// Addr is the bound listener address.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Run drives the node until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.startAdminServer()
	a.ready.Store(true)
	defer a.ready.Store(false)
	a.log.Info("node listening",
		zap.String("address", a.listener.Addr().String()),
		zap.String("fingerprint", a.Node.Fingerprint()))
	return a.Node.Run(ctx, a.listener)
}

func (a *App) startAdminServer() {
	addr := a.cfg.Node.MetricsAddress
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if a.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	a.admin = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	a.log.Info("admin server listening", zap.String("address", addr))
}

// Close stops the admin endpoint, the node and the listener.
func (a *App) Close() error {
	a.ready.Store(false)
	if a.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := a.admin.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("admin server shutdown", zap.Error(err))
		}
		cancel()
	}
	err := a.Node.Close()
	if lerr := a.listener.Close(); err == nil {
		err = lerr
	}
	return err
}
