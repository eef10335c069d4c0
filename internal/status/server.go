// Package status serves a small JSON API over the running orchestrator:
// health, queue and schedule state, the pipeline, run history and manual
// triggers.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"conduit/internal/pipeline"
	"conduit/internal/runtime/supervisor"
	"conduit/internal/task/engine"
	"conduit/internal/task/scheduler"
	logx "conduit/pkg/logx"
)

// Provider is what the API reads from and acts on. internal/app implements it.
type Provider interface {
	Engine() EngineView
	Schedules() scheduler.Snapshot
	Pipeline() *pipeline.Pipeline
	Runs(ctx context.Context, job string, limit int) ([]RunView, error)
	Supervisor() supervisor.Snapshot
}

// EngineView is the dispatcher surface used here; *engine.Service satisfies it.
type EngineView interface {
	Snapshot() engine.Snapshot
	Trigger(name string, reason engine.Reason) (string, error)
}

// RunView is one history entry as returned by /runs.
type RunView struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Reason     string        `json:"reason"`
	Cause      string        `json:"cause,omitempty"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
}

type Config struct {
	Addr  string
	Pprof bool
}

type Server struct {
	cfg     Config
	log     logx.Logger
	p       Provider
	started time.Time

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, p Provider, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{cfg: cfg, log: log.With(logx.String("comp", "status")), p: p, started: time.Now()}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Routes builds the router. It is exported for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleJobs)
		r.Get("/{name}", s.handleJob)
		r.Post("/{name}/trigger", s.handleTrigger)
	})
	r.Get("/runs", s.handleRuns)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start binds the listener synchronously so address errors surface to the
// caller, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("status api listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status api stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "uptime": time.Since(s.started).Round(time.Second).String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"engine":     s.p.Engine().Snapshot(),
		"scheduler":  s.p.Schedules(),
		"supervisor": s.p.Supervisor(),
		"jobs":       s.p.Pipeline().Len(),
		"started_at": s.started,
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	pipe := s.p.Pipeline()
	jobs := make(map[string]pipeline.Job, pipe.Len())
	for _, name := range pipe.Names() {
		j, _ := pipe.Get(name)
		jobs[name] = j
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	j, ok := s.p.Pipeline().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job: "+name)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, err := s.p.Engine().Trigger(name, engine.ReasonAPI)
	switch {
	case errors.Is(err, engine.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("job triggered via api", logx.String("job", name), logx.String("run_id", id), logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "run_id": id})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	runs, err := s.p.Runs(r.Context(), q.Get("job"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []RunView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
