package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/rs/cors"

	"github.com/gridtrade/gridtrade/pkg/hub"
	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/storage"
	"github.com/gridtrade/gridtrade/pkg/types"
)

// Controller is the control surface of the simulation. *simulation.Simulation
// satisfies it.
type Controller interface {
	Start(ctx context.Context)
	Pause(ctx context.Context)
	Reset(ctx context.Context)
	SetSpeed(ctx context.Context, n int) int
	State() types.Snapshot
	PriceHistory() []types.PricePoint
}

// tokenVerifier validates a Google ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the simulation over HTTP and websockets. It never runs ticks
// itself; every handler delegates to the Controller.
type Server struct {
	sim     Controller
	hub     *hub.Hub
	storage storage.Database

	listenAddr   string
	corsOrigins  []string
	adminEmails  []string
	oidcVerifier tokenVerifier
	serverName   string
	httpServer   *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(sim Controller, h *hub.Hub, db storage.Database) *Server {
	srv := &Server{
		sim:        sim,
		hub:        h,
		storage:    db,
		serverName: "gridtrade",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	corsOrigins := lflag.String("cors-origins", "*", "comma-delimited list of origins allowed to call the API and open the websocket")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to control the simulation")
	oidcAudience := lflag.String("oidc-audience", "", "Google client ID that control requests must present an ID token for; empty leaves control open")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.corsOrigins = splitList(*corsOrigins)
		srv.adminEmails = splitList(*adminEmails)
		if srv.hub != nil {
			srv.hub.AllowOrigins(srv.corsOrigins)
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})

	return srv
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/simulation/state", s.handleState)
	apiMux.Handle("POST /api/simulation/start", s.adminMiddleware(http.HandlerFunc(s.handleStart)))
	apiMux.Handle("POST /api/simulation/pause", s.adminMiddleware(http.HandlerFunc(s.handlePause)))
	apiMux.Handle("POST /api/simulation/reset", s.adminMiddleware(http.HandlerFunc(s.handleReset)))
	apiMux.Handle("POST /api/simulation/speed", s.adminMiddleware(http.HandlerFunc(s.handleSpeed)))
	apiMux.HandleFunc("GET /api/market/prices", s.handleMarketPrices)
	apiMux.HandleFunc("GET /api/history/prices", s.handleHistoryPrices)
	apiMux.HandleFunc("GET /api/history/transactions", s.handleHistoryTransactions)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requestLogMiddleware(gziphandler.GzipHandler(apiMux)))
	// the websocket upgrade needs the raw ResponseWriter so it stays outside gzip
	if s.hub != nil {
		mux.Handle("GET /api/ws/simulation", s.hub.Handler(s.sim.State))
	}
	mux.HandleFunc("/healthz", s.handleHealthz)

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return s.revisionMiddleware(c.Handler(securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
