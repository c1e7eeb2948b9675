package www

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"node.town/scribe/session"
)

type SessionLister interface {
	Sessions() []*session.Session
}

type sessionInfo struct {
	Guild        string    `json:"guild"`
	ID           string    `json:"id"`
	VoiceChannel string    `json:"voice_channel"`
	TextChannel  string    `json:"text_channel"`
	Debug        bool      `json:"debug"`
	InFlight     int       `json:"in_flight"`
	Created      time.Time `json:"created"`
}

func NewRouter(
	logger *log.Logger,
	gatherer prometheus.Gatherer,
	sessions SessionLister,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		list := []sessionInfo{}
		for _, s := range sessions.Sessions() {
			list = append(list, sessionInfo{
				Guild:        s.Key,
				ID:           s.ID.String(),
				VoiceChannel: s.VoiceChannelID,
				TextChannel:  s.TextChannelID,
				Debug:        s.Debug(),
				InFlight:     s.InFlight(),
				Created:      s.Created,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(list); err != nil {
			logger.Error("failed to encode sessions", "error", err)
		}
	})

	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			logger.Debug(
				"http",
				"method", req.Method,
				"path", req.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request", middleware.GetReqID(req.Context()),
			)
		})
	}
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
