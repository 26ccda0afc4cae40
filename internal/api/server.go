package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"taskd/internal/domain"
	"taskd/internal/queue"
	"taskd/internal/tasks"
)

type Options struct {
	// CreateRPS throttles POST /api/tasks across all clients. 0 disables it.
	CreateRPS   float64
	CreateBurst int
	Debug       bool // mount /debug/pprof
}

type Server struct {
	r       *chi.Mux
	svc     *tasks.Service
	log     zerolog.Logger
	limiter *rate.Limiter
}

func NewServer(svc *tasks.Service, log zerolog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	log = log.With().Str("component", "api").Logger()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	s := &Server{r: r, svc: svc, log: log}
	if opts.CreateRPS > 0 {
		burst := opts.CreateBurst
		if burst <= 0 {
			burst = int(opts.CreateRPS) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.CreateRPS), burst)
	}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.throttle).Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/events", s.taskEvents)
		r.Post("/tasks/{id}/cancel", s.cancelTask)
		r.Patch("/tasks/{id}/reschedule", s.rescheduleTask)
		r.Get("/monitor/stats", s.stats)
	})

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request body: " + err.Error()})
		return
	}
	t, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleReq struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	var req rescheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid request body: " + err.Error()})
		return
	}
	t, err := s.svc.Reschedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseFilter(r *http.Request) (queue.Filter, error) {
	q := r.URL.Query()
	f := queue.Filter{
		TaskName: q.Get("task_name"),
		Type:     q.Get("type"),
		Status:   domain.Status(q.Get("status")),
	}

	ints := []struct {
		name string
		dst  func(int)
	}{
		{"priority", func(v int) { f.Priority = &v }},
		{"limit", func(v int) { f.Limit = v }},
		{"offset", func(v int) { f.Offset = v }},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return queue.Filter{}, &tasks.ValidationError{Field: p.name, Msg: "must be an integer"}
		}
		p.dst(v)
	}

	times := []struct {
		name string
		dst  **time.Time
	}{
		{"scheduled_after", &f.ScheduledAfter},
		{"scheduled_before", &f.ScheduledBefore},
		{"created_after", &f.CreatedAfter},
		{"created_before", &f.CreatedBefore},
	}
	for _, p := range times {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return queue.Filter{}, &tasks.ValidationError{Field: p.name, Msg: "must be an RFC 3339 timestamp"}
		}
		*p.dst = &v
	}
	return f, nil
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *tasks.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, tasks.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, tasks.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
	default:
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
