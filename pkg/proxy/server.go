// Package proxy serves the OpenAI-compatible HTTP surface on top of the
// DeepSeek web chat protocol.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuanshang000/ds2api/pkg/account"
	"github.com/yuanshang000/ds2api/pkg/config"
	"github.com/yuanshang000/ds2api/pkg/deepseek"
	"github.com/yuanshang000/ds2api/pkg/logutil"
	"github.com/yuanshang000/ds2api/pkg/metrics"
	"github.com/yuanshang000/ds2api/pkg/pow"
	"golang.org/x/crypto/acme/autocert"
)

type Options struct {
	Store *config.ServerConfigStore
	// Solver overrides the solver built from the [pow] config section.
	Solver pow.Solver
	// Admin overrides the static admin key from the config.
	Admin   AdminAuthenticator
	Metrics *metrics.Collector
	Logger  *log.Logger
}

type Server struct {
	store         *config.ServerConfigStore
	pool          *account.Pool
	upstream      *deepseek.Client
	pow           *pow.Provider
	metrics       *metrics.Collector
	counter       TokenCounter
	healthChecker *AccountHealthChecker
	adminHandler  *AdminHandler
	logger        *log.Logger
	handler       http.Handler
	httpServer    *http.Server
	closeSolver   func(context.Context) error
	timings       *streamTimings

	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

func NewServer(ctx context.Context, configPath string, cfg *config.ServerConfig) (*Server, error) {
	return New(ctx, Options{Store: config.NewServerConfigStore(configPath, cfg)})
}

func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("config store is required")
	}
	cfg := opts.Store.Snapshot()
	s := &Server{
		store:   opts.Store,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = logutil.Component("proxy")
	}
	if s.metrics == nil {
		s.metrics = metrics.NewCollector()
	}
	s.counter = NewTokenCounter(cfg.Usage.Tokenizer, s.logger)

	upstreamOpts := deepseek.OptionsFromConfig(cfg.Upstream)
	upstreamOpts.Logger = logutil.Component("deepseek")
	upstreamOpts.Observe = s.metrics.ObserveUpstream
	s.upstream = deepseek.New(upstreamOpts)

	solver := opts.Solver
	s.closeSolver = func(context.Context) error { return nil }
	if solver == nil {
		built, closeFn, err := pow.NewSolver(ctx, cfg.Pow)
		if err != nil {
			return nil, fmt.Errorf("init pow solver: %w", err)
		}
		solver, s.closeSolver = built, closeFn
	}
	s.pow = &pow.Provider{
		Source:      s.upstream,
		Solver:      solver,
		MaxAttempts: cfg.Upstream.PowMaxAttempts,
		Logger:      logutil.Component("pow"),
		OnResult:    s.metrics.RecordPow,
	}

	pool, err := account.NewPool(ctx, account.NewConfigRepository(s.store), s.upstream, account.Options{
		Logger:   logutil.Component("account"),
		Cooldown: time.Duration(cfg.AccountsHealth.LoginCooldownSeconds) * time.Second,
		OnLogin: func(id string, err error) {
			s.metrics.RecordLogin(id, err)
			s.adminHandler.Notify()
		},
	})
	if err != nil {
		_ = s.closeSolver(ctx)
		return nil, fmt.Errorf("init account pool: %w", err)
	}
	s.pool = pool
	s.healthChecker = NewAccountHealthChecker(pool,
		time.Duration(cfg.AccountsHealth.IntervalSeconds)*time.Second,
		time.Duration(cfg.AccountsHealth.RetrySeconds)*time.Second,
		logutil.Component("health"))

	adminAuth := opts.Admin
	if adminAuth == nil && strings.TrimSpace(cfg.Admin.Key) != "" {
		adminAuth = StaticAdminKey(strings.TrimSpace(cfg.Admin.Key))
	}
	if adminAuth != nil {
		s.adminHandler = NewAdminHandler(adminAuth, pool, s.healthChecker, logutil.Component("admin"))
		s.healthChecker.OnChange(s.adminHandler.Notify)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.logger.StandardLog(), NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authAPIMiddleware)
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
	})
	if s.adminHandler != nil {
		s.adminHandler.RegisterRoutes(r)
	}
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Pool() *account.Pool {
	return s.pool
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)
	go s.healthChecker.Run(ctx)
	defer func() {
		if err := s.closeSolver(context.Background()); err != nil {
			s.logger.Warn("close pow solver", "err", err)
		}
	}()

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}
		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		s.awaitShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("proxy listening", "addr", cfg.ListenAddr, "accounts", s.pool.Len())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	s.awaitShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// awaitShutdown blocks until ctx ends or a listener fails, then drains the
// in-flight proxy requests. A listener error is put back for firstErr.
func (s *Server) awaitShutdown(ctx context.Context, errCh chan error) {
	select {
	case <-ctx.Done():
	case err := <-errCh:
		errCh <- err
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/v1/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeError(w, http.StatusServiceUnavailable, errTypeServer, "server shutting down")
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			s.logger.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			s.logger.Info("shutdown: waiting for active proxy requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			s.logger.Warn("shutdown: giving up on active proxy requests", "active", active)
			return
		case <-t.C:
		}
	}
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}
