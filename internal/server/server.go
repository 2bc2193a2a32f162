// Package server provides the HTTP boundary over the core components.
//
// Every inbound request is an independent task; background duties live in
// the sweeper. The server supports graceful drain: once draining, new
// upload-side requests are refused while in-flight work runs to completion
// and downloads keep streaming.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"driplet/internal/admission"
	"driplet/internal/blob"
	"driplet/internal/config"
	"driplet/internal/ident"
	"driplet/internal/limit"
	"driplet/internal/logging"
	"driplet/internal/meta"
	"driplet/internal/purge"
	"driplet/internal/quota"
	"driplet/internal/report"
	"driplet/internal/session"
)

// Deps bundles the core components the boundary consumes.
type Deps struct {
	Resolver *ident.Resolver
	Gate     *admission.Gate
	Limiter  *limit.Limiter
	Bans     *limit.BanList
	Blobs    *blob.Store
	Meta     *meta.Store
	Sessions *session.Manager
	Quota    *quota.Observer
	Reports  *report.Store
	Purger   *purge.Purger
}

// Server is the HTTP server.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	inFlight sync.WaitGroup // in-flight requests, for graceful drain
	draining atomic.Bool    // true once shutdown began
}

// New creates a Server.
func New(cfg *config.Config, deps Deps, logger *slog.Logger, now func() time.Time) *Server {
	if now == nil {
		now = time.Now
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Default(logger).With("component", "server"),
		now:    now,
	}
}

// Handler assembles the route table and middleware chain. Exposed for
// httptest-driven tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /checkhash", s.handleCheckHash)

	mux.HandleFunc("POST /chunk/init", s.handleChunkInit)
	mux.HandleFunc("PUT /chunk/{sid}/{index}", s.handlePutChunk)
	mux.HandleFunc("GET /chunk/{sid}/status", s.handleChunkStatus)
	mux.HandleFunc("POST /chunk/{sid}/complete", s.handleChunkComplete)
	mux.HandleFunc("DELETE /chunk/{sid}/cancel", s.handleChunkCancel)

	mux.HandleFunc("GET /f/{name}", s.handleDownload)
	mux.HandleFunc("DELETE /d/{name}", s.handleDelete)
	mux.HandleFunc("GET /mine", s.handleMine)

	mux.HandleFunc("GET /api/config", s.handleAPIConfig)
	mux.HandleFunc("GET /api/quota", s.handleAPIQuota)
	mux.HandleFunc("POST /report", s.handleReport)

	// Liveness and readiness probes.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	var h http.Handler = mux
	h = s.trackMiddleware(h)
	h = s.recoverMiddleware(h)
	return h
}

// Start listens and serves until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}

	// h2c allows cleartext HTTP/2 from proxies and modern clients.
	h2s := &http2.Server{}
	srv := &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.drain()
	case err := <-errCh:
		return err
	}
}

// drain refuses new upload-side requests, waits for in-flight requests,
// then closes the server.
func (s *Server) drain() error {
	s.draining.Store(true)
	s.logger.Info("draining")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn("drain timed out, closing with requests in flight")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// mutatingRoute reports whether the request admits new work that drain
// should refuse.
func mutatingRoute(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		return true
	default:
		return false
	}
}

// trackMiddleware counts in-flight requests and rejects new mutating
// requests while draining.
func (s *Server) trackMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() && mutatingRoute(r) {
			writeJSON(w, http.StatusServiceUnavailable, apiError{
				Message: "server is shutting down", Code: "draining",
			})
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware turns a panic inside a request task into a 500 for
// that task only.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("request panicked", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, apiError{
					Message: "internal error", Code: "internal",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// owner resolves the request's owner id, or writes the error.
func (s *Server) owner(w http.ResponseWriter, r *http.Request) (ident.OwnerID, bool) {
	owner, err := s.deps.Resolver.OwnerFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return owner, true
}

// admitSimple runs ban and rate checks for non-upload mutating routes
// (delete, report).
func (s *Server) admitSimple(owner ident.OwnerID, family limit.Family) error {
	if s.deps.Bans.IsBanned(owner) {
		return admission.ErrBanned
	}
	if d := s.deps.Limiter.Admit(owner, family); !d.Allowed {
		return &admission.RateLimitedError{RetryAfter: d.RetryAfter}
	}
	return nil
}
