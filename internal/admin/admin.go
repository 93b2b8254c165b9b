// Package admin serves operational endpoints on a listener separate from the
// S3 API: health, metrics, storage statistics and runtime traces.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/meta"
	"github.com/dedupgw/dedupgw/internal/tracing"
)

// StatsSource reports metadata statistics. *dedup.Service implements it.
type StatsSource interface {
	Stats(ctx context.Context) (meta.Stats, error)
	Audit(ctx context.Context) ([]meta.Discrepancy, error)
}

// UploadCounter reports unfinished multipart uploads.
type UploadCounter interface {
	Active() int
}

// Options configures a Server. Nil fields disable their endpoints.
type Options struct {
	Metrics http.Handler
	Stats   StatsSource
	Uploads UploadCounter
	Tracer  *tracing.Recorder
}

// Server is the admin HTTP server.
type Server struct {
	server *http.Server
	mux    *http.ServeMux
	opts   Options
}

// NewServer creates an admin server. Call Start to begin serving.
func NewServer(opts Options) *Server {
	s := &Server{mux: http.NewServeMux(), opts: opts}

	s.mux.HandleFunc("GET /health", healthHandler)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	if opts.Stats != nil {
		s.mux.HandleFunc("GET /debug/stats", s.statsHandler)
		s.mux.HandleFunc("GET /debug/audit", s.auditHandler)
	}
	s.mux.HandleFunc("GET /debug/trace", s.traceHandler)
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // trace snapshots can be large
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("admin server stopped")
		}
	}()
	log.Info().Str("listen", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type statsResponse struct {
	meta.Stats
	SavedBytes    int64 `json:"saved_bytes"`
	ActiveUploads int   `json:"active_uploads"`
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Stats.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	resp := statsResponse{Stats: st, SavedBytes: st.SavedBytes()}
	if s.opts.Uploads != nil {
		resp.ActiveUploads = s.opts.Uploads.Active()
	}
	writeJSON(w, resp)
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	disc, err := s.opts.Stats.Audit(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if disc == nil {
		disc = []meta.Discrepancy{}
	}
	writeJSON(w, map[string]any{"ok": len(disc) == 0, "discrepancies": disc})
}

// traceHandler returns a runtime trace snapshot for `go tool trace`.
func (s *Server) traceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Tracer.Enabled() {
		http.Error(w, "tracing not enabled (set admin.tracing: true)", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename=trace.out")
	if err := s.opts.Tracer.Snapshot(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
