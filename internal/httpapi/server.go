package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "campaignq/internal/runtime/supervisor"
	logx "campaignq/pkg/logx"
)

// Config controls the control API listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var errInsecureBind = errors.New("http api refused to start: non-loopback addr requires token or allow_insecure")

// Service runs the control API under a restart loop and follows config reloads.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps
	cur  *instance
}

// instance is one enabled period of the listener, from Start to Stop.
type instance struct {
	cfg  Config
	sup  *rtsup.Supervisor
	addr atomic.Pointer[string]
}

func NewService(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "httpapi"))}
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	in := s.cur
	s.mu.Unlock()
	if in == nil {
		return ""
	}
	if p := in.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Reconfigure applies cfg, starting, stopping or restarting the listener as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	in := s.cur
	s.mu.Unlock()

	if in != nil && (!cfg.Enabled || in.cfg != cfg) {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// Start launches the listener if enabled and not already running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	in := &instance{
		cfg: s.cfg,
		sup: rtsup.New(context.WithoutCancel(ctx),
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		),
	}
	s.cur = in
	in.sup.GoRestart("http.serve", func(ctx context.Context) error {
		return s.serve(ctx, in)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the listener down, waiting at most until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	in := s.cur
	s.cur = nil
	s.mu.Unlock()
	if in == nil {
		return
	}

	if err := in.sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("http api stop timed out", logx.Err(err))
		return
	}
	s.log.Info("http api stopped")
}

func (s *Service) serve(ctx context.Context, in *instance) error {
	cfg := in.cfg
	addr := listenAddr(cfg)
	if err := CheckBind(cfg); err != nil {
		s.log.Error("http api refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("http api has no token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	bound := ln.Addr().String()
	in.addr.Store(&bound)
	defer in.addr.Store(nil)

	srv := &http.Server{
		Handler:      NewHandler(s.deps, cfg, s.log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("http api started", logx.String("addr", bound), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))

	select {
	case err = <-errc:
		_ = srv.Close()
		if ctx.Err() == nil {
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				err = errors.New("http api exited unexpectedly")
			}
			return err
		}
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		_ = srv.Close()
		<-errc
	}
	return context.Canceled
}

// CheckBind refuses a non-loopback address without a token or AllowInsecure.
func CheckBind(cfg Config) error {
	if cfg.AllowInsecure || strings.TrimSpace(cfg.Token) != "" || isLoopbackAddr(listenAddr(cfg)) {
		return nil
	}
	return errInsecureBind
}

func listenAddr(cfg Config) string {
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		return addr
	}
	return "127.0.0.1:8080"
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
