package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"whale-alerts/internal/metrics"
	"whale-alerts/internal/service"
)

// StatusProvider exposes stream cursors.
type StatusProvider interface {
	Snapshot() []service.StreamStatus
}

// RecordCounter reports the size of the record log.
type RecordCounter interface {
	CountRecords(ctx context.Context) (int64, error)
}

// Deps wire the router.
type Deps struct {
	Status  StatusProvider
	Records RecordCounter
	Logger  zerolog.Logger
	Version string
	Started time.Time
}

type statusResponse struct {
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Records *int64                 `json:"records,omitempty"`
	Streams []service.StreamStatus `json:"streams"`
}

// NewRouter serves /healthz, /metrics and /status.
func NewRouter(deps Deps) http.Handler {
	metrics.Init()
	logger := deps.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Version: deps.Version,
			Streams: []service.StreamStatus{},
		}
		if !deps.Started.IsZero() {
			resp.Uptime = time.Since(deps.Started).Truncate(time.Second).String()
		}
		if deps.Status != nil {
			resp.Streams = deps.Status.Snapshot()
		}
		if deps.Records != nil {
			count, err := deps.Records.CountRecords(r.Context())
			if err != nil {
				logger.Warn().Err(err).Msg("count records failed")
			} else {
				resp.Records = &count
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(started)).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the router until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("status server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
