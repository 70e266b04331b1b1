package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"labflow/internal/domain"
	"labflow/internal/orchestrator"
	"labflow/internal/store"
)

const maxBodyBytes = 1 << 20

// Orchestrator is the part of the orchestrator service the HTTP layer drives.
type Orchestrator interface {
	CreateWorkstation(ctx context.Context, actor string, in domain.NewWorkstation) (*domain.Workstation, error)
	UpdateWorkstation(ctx context.Context, id string, in domain.WorkstationUpdate) (*domain.Workstation, error)
	DeactivateWorkstation(ctx context.Context, id string) (*domain.Workstation, error)
	GetWorkstation(id string) (orchestrator.WorkstationView, error)
	ListWorkstations(includeInactive bool) []orchestrator.WorkstationView
	Heartbeat(ctx context.Context, id string, hb orchestrator.Heartbeat) (*domain.Workstation, error)
	Acknowledge(ctx context.Context, id string) (*domain.Workstation, error)

	CreateTask(ctx context.Context, actor string, in domain.NewTask) (*domain.Task, error)
	GetTask(id string) (orchestrator.TaskView, error)
	ListTasks(f store.TaskFilter) []*domain.Task
	Control(ctx context.Context, id string, req orchestrator.ControlRequest) (*domain.Task, error)

	Health() orchestrator.HealthReport
	DetailedHealth() orchestrator.DetailedHealthReport
}

type Options struct {
	Logger  zerolog.Logger
	Metrics http.Handler
	// Debug mounts net/http/pprof under /debug/pprof.
	Debug bool
}

type Server struct {
	r   *chi.Mux
	orc Orchestrator
}

func NewServer(orc Orchestrator, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		hlog.NewHandler(opts.Logger),
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
		withActor,
	)

	s := &Server{r: r, orc: orc}

	r.Get("/health", s.health)
	r.Get("/health/detailed", s.detailedHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workstations", func(r chi.Router) {
			r.Post("/", s.createWorkstation)
			r.Get("/", s.listWorkstations)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getWorkstation)
				r.Patch("/", s.updateWorkstation)
				r.Delete("/", s.deactivateWorkstation)
				r.Post("/heartbeat", s.heartbeat)
				r.Post("/reconcile", s.reconcile)
			})
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Get("/{id}", s.getTask)
			r.Post("/{id}/control", s.controlTask)
		})
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

func accessLog(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Info().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("request")
}

type actorKey struct{}

// withActor records the acting user set by the upstream auth proxy.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if actor == "" {
			actor = "anonymous"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok {
		return a
	}
	return "anonymous"
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	rep := s.orc.Health()
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) detailedHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.orc.DetailedHealth()
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) createWorkstation(w http.ResponseWriter, r *http.Request) {
	var req domain.NewWorkstation
	if !decode(w, r, &req) {
		return
	}
	ws, err := s.orc.CreateWorkstation(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) listWorkstations(w http.ResponseWriter, r *http.Request) {
	include, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	writeJSON(w, http.StatusOK, s.orc.ListWorkstations(include))
}

func (s *Server) getWorkstation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.orc.GetWorkstation(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) updateWorkstation(w http.ResponseWriter, r *http.Request) {
	var req domain.WorkstationUpdate
	if !decode(w, r, &req) {
		return
	}
	ws, err := s.orc.UpdateWorkstation(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) deactivateWorkstation(w http.ResponseWriter, r *http.Request) {
	ws, err := s.orc.DeactivateWorkstation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Heartbeat
	if !decode(w, r, &req) {
		return
	}
	ws, err := s.orc.Heartbeat(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	ws, err := s.orc.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

type createTaskResp struct {
	ID     string            `json:"id"`
	Status domain.TaskStatus `json:"status"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req domain.NewTask
	if !decode(w, r, &req) {
		return
	}
	t, err := s.orc.CreateTask(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createTaskResp{ID: t.ID, Status: t.Status})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{WorkstationID: q.Get("workstation_id"), Limit: 100}
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseTaskStatus(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.Status = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := domain.ParsePriority(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.Priority = p
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, domain.Validation("limit must be between 1 and 1000").WithDetail("limit", v))
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, s.orc.ListTasks(f))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orc.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) controlTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ControlRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.orc.Control(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		writeError(w, r, domain.Validation("request body is required"))
	default:
		var derr *domain.Error
		if errors.As(err, &derr) {
			writeError(w, r, derr)
		} else {
			writeError(w, r, domain.Validation("invalid JSON body: %v", err))
		}
	}
	return false
}

type errorBody struct {
	Error *domain.Error `json:"error"`
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindMaxRetriesExceeded:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindWorkstationUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindCommandExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = domain.Internal(err)
	}
	code := statusFor(derr.Kind)
	if code >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorBody{Error: derr})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
