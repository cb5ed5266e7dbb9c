// Package api exposes the scheduler and backup pipeline over HTTP: the
// scheduled-task CRUD/control surface, the two operator-key-gated
// lock-recovery endpoints, the backup-task/backup-set read surface, and a
// health check. Grounded on the teacher's chi/cors router and JSON-helper
// conventions in internal/api/server.go, narrowed to this endpoint set —
// full session auth, tape/pool/drive administration, Proxmox, restore, and
// catalog browsing are out of scope (spec.md §1).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/auth"
	"github.com/RoseOO/TapeBackarr/internal/config"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/scheduler"
	"github.com/RoseOO/TapeBackarr/internal/store"
)

// Server is the HTTP API surface over the scheduler engine and the backup
// pipeline's store.
type Server struct {
	router      *chi.Mux
	store       *store.Store
	scheduler   *scheduler.Service
	authService *auth.Service
	logger      *logging.Logger
	cfg         *config.Config
	eventBus    *EventBus
}

// NewServer builds a Server and wires its routes.
func NewServer(st *store.Store, sched *scheduler.Service, authService *auth.Service, logger *logging.Logger, cfg *config.Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		store:       st,
		scheduler:   sched,
		authService: authService,
		logger:      logger,
		cfg:         cfg,
		eventBus:    NewEventBus(),
	}
	s.setupRoutes()
	return s
}

// PublishEvent broadcasts a system event to every subscribed /events
// stream. It is called from the scheduled-task create, delete, run-now and
// unlock-all handlers; scheduler run outcomes are not published here (they
// go to the Telegram/email notifier only).
func (s *Server) PublishEvent(eventType, category, title, message string) {
	s.eventBus.Publish(SystemEvent{
		Type:     eventType,
		Category: category,
		Title:    title,
		Message:  message,
	})
}

// Router returns the configured handler for http.Server.Handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Operator-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", s.handleHealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEventStream)
		r.Get("/notifications", s.handleGetNotifications)

		r.Route("/scheduled-tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{id}", s.handleGetTask)
			r.Put("/{id}", s.handleUpdateTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Post("/{id}/pause", s.handlePauseTask)
			r.Post("/{id}/resume", s.handleResumeTask)
			r.Post("/{id}/run-now", s.handleRunTaskNow)
			r.Get("/{id}/runs", s.handleListTaskRuns)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Use(s.operatorKeyMiddleware)
			r.Post("/{id}/unlock", s.handleUnlockTask)
			r.Post("/unlock-all", s.handleUnlockAllTasks)
		})

		r.Route("/backup-tasks", func(r chi.Router) {
			r.Get("/", s.handleListBackupTasks)
			r.Post("/", s.handleCreateBackupTask)
			r.Get("/{id}", s.handleGetBackupTask)
		})

		r.Route("/backup-sets", func(r chi.Router) {
			r.Get("/{id}", s.handleGetBackupSet)
			r.Get("/{id}/files", s.handleListBackupSetFiles)
		})
	})
}

// operatorKeyMiddleware gates the unlock/unlock-all endpoints behind a
// bcrypt-verified operator key (spec.md §4.1 "Startup recovery" scopes these
// as dangerous admin operations, not open to every API caller).
func (s *Server) operatorKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := s.cfg.Auth.OperatorKeyHeader
		if header == "" {
			header = "X-Operator-Key"
		}
		rawKey := r.Header.Get(header)
		name, err := s.authService.Verify(rawKey)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid operator key")
			return
		}
		ctx := context.WithValue(r.Context(), operatorNameKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type operatorNameKey struct{}

// Helper functions

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondAppErr maps an apperr.Error's Kind to an HTTP status; anything else
// is treated as an internal error.
func (s *Server) respondAppErr(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.KindValidation):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case apperr.Is(err, apperr.KindNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case apperr.Is(err, apperr.KindConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", map[string]interface{}{"error": err.Error()})
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) getIDParam(r *http.Request) (int64, error) {
	idStr := chi.URLParam(r, "id")
	return strconv.ParseInt(idStr, 10, 64)
}

func (s *Server) checkDatabaseHealth() map[string]interface{} {
	if err := s.store.Ping(); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	return map[string]interface{}{"status": "ok"}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]interface{}{
			"database": s.checkDatabaseHealth(),
		},
	}

	components := health["components"].(map[string]interface{})
	for _, v := range components {
		if comp, ok := v.(map[string]interface{}); ok {
			if status, ok := comp["status"].(string); ok && status != "ok" {
				health["status"] = "degraded"
				break
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if health["status"] == "ok" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}

// Scheduled-task handlers

type createTaskRequest struct {
	TaskName       string `json:"task_name"`
	Enabled        bool   `json:"enabled"`
	ScheduleType   string `json:"schedule_type"`
	ScheduleConfig string `json:"schedule_config"`
	ActionType     string `json:"action_type"`
	ActionConfig   string `json:"action_config"`
	BackupTaskID   *int64 `json:"backup_task_id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t := &models.ScheduledTask{
		TaskName:       req.TaskName,
		Enabled:        req.Enabled,
		ScheduleType:   models.ScheduleType(req.ScheduleType),
		ScheduleConfig: req.ScheduleConfig,
		ActionType:     models.ActionType(req.ActionType),
		ActionConfig:   req.ActionConfig,
		BackupTaskID:   req.BackupTaskID,
	}

	created, err := s.scheduler.AddTask(r.Context(), t)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.PublishEvent("info", "scheduler", "Task Created", created.TaskName)
	s.respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.scheduler.UpdateTask(r.Context(), id, func(t *models.ScheduledTask) {
		t.TaskName = req.TaskName
		t.Enabled = req.Enabled
		t.ScheduleType = models.ScheduleType(req.ScheduleType)
		t.ScheduleConfig = req.ScheduleConfig
		t.ActionType = models.ActionType(req.ActionType)
		t.ActionConfig = req.ActionConfig
		t.BackupTaskID = req.BackupTaskID
	})
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.scheduler.DeleteTask(r.Context(), id); err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.PublishEvent("info", "scheduler", "Task Deleted", fmt.Sprintf("task %d", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.scheduler.StopTask(r.Context(), id); err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	t, err := s.scheduler.Enable(r.Context(), id)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRunTaskNow(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.scheduler.RunTaskNow(r.Context(), id); err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.PublishEvent("info", "scheduler", "Task Run Started", fmt.Sprintf("task %d", id))
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleListTaskRuns(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}

	runs, err := s.store.ListTaskRuns(r.Context(), id, limit)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, runs)
}

// Lock-recovery handlers (operator-key gated)

func (s *Server) handleUnlockTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.scheduler.UnlockTask(r.Context(), id); err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (s *Server) handleUnlockAllTasks(w http.ResponseWriter, r *http.Request) {
	reset, err := s.scheduler.UnlockAllTasks(r.Context())
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.PublishEvent("warning", "scheduler", "Unlock All", fmt.Sprintf("%d tasks reset", reset))
	s.respondJSON(w, http.StatusOK, map[string]int{"tasks_reset": reset})
}

// Backup-task handlers

type createBackupTaskRequest struct {
	TaskName           string `json:"task_name"`
	TaskType           string `json:"task_type"`
	SourcePaths        string `json:"source_paths"`
	ExcludePatterns    string `json:"exclude_patterns"`
	CompressionEnabled bool   `json:"compression_enabled"`
	EncryptionEnabled  bool   `json:"encryption_enabled"`
	RetentionDays      int    `json:"retention_days"`
	TapeDevice         string `json:"tape_device"`
}

func (s *Server) handleCreateBackupTask(w http.ResponseWriter, r *http.Request) {
	var req createBackupTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t := &models.BackupTask{
		TaskName:        req.TaskName,
		TaskType:        models.BackupTaskType(req.TaskType),
		SourcePaths:     req.SourcePaths,
		ExcludePatterns: req.ExcludePatterns,
		CompressionFlag: req.CompressionEnabled,
		EncryptionFlag:  req.EncryptionEnabled,
		RetentionDays:   req.RetentionDays,
		TapeDevice:      req.TapeDevice,
	}

	id, err := s.store.CreateBackupTaskTemplate(r.Context(), t)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	t.ID = id
	s.respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListBackupTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListBackupTaskTemplates(r.Context())
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetBackupTask(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	t, err := s.store.GetBackupTask(r.Context(), id)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

// Backup-set handlers

func (s *Server) handleGetBackupSet(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	set, err := s.store.GetBackupSet(r.Context(), id)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleListBackupSetFiles(w http.ResponseWriter, r *http.Request) {
	id, err := s.getIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid id")
		return
	}
	files, err := s.store.ListBackupFiles(r.Context(), id)
	if err != nil {
		s.respondAppErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, files)
}
