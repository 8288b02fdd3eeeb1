// Package httpapi serves the browser-facing OAuth callback alongside health
// and Prometheus endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/service/scheduling"
)

const (
	DefaultAddr = ":8080"

	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
	pingTimeout       = 2 * time.Second
)

type connectionCompleter interface {
	CompleteCalendarConnection(ctx context.Context, state, code string) (domain.CalendarConnection, error)
}

type Config struct {
	Addr     string
	Calendar connectionCompleter
	// Metrics serves /metrics. Nil disables the endpoint.
	Metrics http.Handler
	// Ping backs /healthz when set.
	Ping func(ctx context.Context) error
	Log  *slog.Logger
}

type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log.With(slog.String("component", "http"))

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewHandler(cfg.Calendar, cfg.Metrics, cfg.Ping, log),
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		log: log,
	}
}

// Start blocks until the server stops. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info("http server started", slog.String("http_addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func NewHandler(calendar connectionCompleter, metrics http.Handler, ping func(ctx context.Context) error, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("GET /oauth/callback", oauthCallback(calendar, log))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := ping(ctx); err != nil {
				log.Warn("health check failed", slog.Any("err", err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func oauthCallback(calendar connectionCompleter, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if providerErr := q.Get("error"); providerErr != "" {
			log.Info("calendar authorization declined", slog.String("error", providerErr))
			writePage(w, http.StatusBadRequest, "Calendar not connected", "Authorization failed: "+providerErr)
			return
		}

		conn, err := calendar.CompleteCalendarConnection(r.Context(), q.Get("state"), q.Get("code"))
		if err != nil {
			var vErr *scheduling.ValidationError
			if errors.As(err, &vErr) {
				log.Warn("invalid oauth callback", slog.String("code", vErr.Code), slog.Any("err", err))
				writePage(w, http.StatusBadRequest, "Calendar not connected", "This authorization link is invalid or has expired. Start again from the app.")
				return
			}
			log.Error("calendar connection failed", slog.Any("err", err))
			writePage(w, http.StatusBadGateway, "Calendar not connected", "We could not reach your calendar provider. Try again in a moment.")
			return
		}

		log.Info("calendar connected", slog.String("host_id", conn.HostID), slog.String("provider", string(conn.Provider)))
		writePage(w, http.StatusOK, "Calendar connected", "You can close this window.")
	})
}

func writePage(w http.ResponseWriter, code int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%[1]s</title></head>
<body><h1>%[1]s</h1><p>%[2]s</p></body>
</html>
`, html.EscapeString(title), html.EscapeString(message))
}
