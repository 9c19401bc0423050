package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	manager "github.com/codexmgr/codexmgr/internal"
)

// Proxy controls the lifecycle of the listening HTTP server: a single
// instance, started and stopped externally, with monotonic request and
// uptime counters.
type Proxy struct {
	bindAddr    string
	readTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	srv       *http.Server
	running   bool
	startedAt time.Time

	requests atomic.Uint64
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewProxy creates a stopped lifecycle controller for bindAddr.
func NewProxy(bindAddr string, readTimeout time.Duration, logger *slog.Logger) *Proxy {
	return &Proxy{
		bindAddr:    bindAddr,
		readTimeout: readTimeout,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start binds the listener and begins serving handler. It returns
// manager.ErrConflict when already running and a bind error when the
// port is taken.
func (p *Proxy) Start(handler http.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("%w: proxy already running on %s", manager.ErrConflict, p.bindAddr)
	}

	ln, err := net.Listen("tcp", p.bindAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", p.bindAddr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       p.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.srv = srv
	p.running = true
	p.startedAt = time.Now()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy serve failed", slog.Any("error", err))
		}
	}()

	p.logger.Info("proxy started", slog.String("addr", p.bindAddr))
	return nil
}

// Stop gracefully drains in-flight requests and closes the listener.
// Stopping a stopped proxy is a no-op.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	wasRunning := p.running
	p.running = false
	p.srv = nil
	p.mu.Unlock()

	if !wasRunning || srv == nil {
		return nil
	}
	p.logger.Info("proxy stopping", slog.String("addr", p.bindAddr))
	return srv.Shutdown(ctx)
}

// RequestStop signals the owner (cmd layer) to shut down. It is safe to
// call more than once.
func (p *Proxy) RequestStop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// StopRequested is closed when a stop has been requested via the
// management surface.
func (p *Proxy) StopRequested() <-chan struct{} {
	return p.stopCh
}

// Status reports the current lifecycle state.
func (p *Proxy) Status() manager.ProxyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := manager.ProxyStatus{
		Running:      p.running,
		BindAddr:     p.bindAddr,
		RequestCount: p.requests.Load(),
	}
	if p.running {
		st.UptimeSeconds = uint64(time.Since(p.startedAt).Seconds())
	}
	return st
}

// countRequest increments the monotonic request counter.
func (p *Proxy) countRequest() {
	p.requests.Add(1)
}
