package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/RoseOO/TapeBackarr/internal/auth"
	"github.com/RoseOO/TapeBackarr/internal/config"
	"github.com/RoseOO/TapeBackarr/internal/database"
	"github.com/RoseOO/TapeBackarr/internal/dispatcher"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/scheduler"
	"github.com/RoseOO/TapeBackarr/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	logger, err := logging.NewLogger("warn", "text", "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	audit := logging.NewAuditLogger(db, logger)

	st := store.New(db)
	disp := dispatcher.New()
	disp.Register(models.ActionHealthCheck, dispatcher.NewTrivialHandler(models.ActionHealthCheck))
	sched := scheduler.NewService(st, disp, logger, audit, nil, 0)

	authService := auth.NewService(db)
	cfg := config.DefaultConfig()

	return NewServer(st, sched, authService, logger, cfg)
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateAndGetScheduledTask(t *testing.T) {
	s := newTestServer(t)

	body := `{"task_name":"nightly","enabled":false,"schedule_type":"cron","schedule_config":"{\"expression\":\"0 2 * * *\"}","action_type":"health_check","action_config":"{}"}`
	req := httptest.NewRequest("POST", "/api/v1/scheduled-tasks", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created models.ScheduledTask
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.TaskName != "nightly" {
		t.Errorf("expected task_name 'nightly', got %q", created.TaskName)
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/v1/scheduled-tasks/%d", created.ID), nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetScheduledTaskNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/scheduled-tasks/999", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRunTaskNowAndListRuns(t *testing.T) {
	s := newTestServer(t)

	body := `{"task_name":"adhoc","enabled":false,"schedule_type":"interval","schedule_config":"{\"interval\":3600,\"unit\":\"seconds\"}","action_type":"health_check","action_config":"{}"}`
	req := httptest.NewRequest("POST", "/api/v1/scheduled-tasks", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	var created models.ScheduledTask
	json.NewDecoder(rr.Body).Decode(&created)

	req = httptest.NewRequest("POST", fmt.Sprintf("/api/v1/scheduled-tasks/%d/run-now", created.ID), nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", fmt.Sprintf("/api/v1/scheduled-tasks/%d/runs", created.ID), nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 listing runs, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnlockEndpointsRequireOperatorKey(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/v1/tasks/unlock-all", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 without a key, got %d: %s", rr.Code, rr.Body.String())
	}

	rawKey, _, err := s.authService.IssueKey("test-operator")
	if err != nil {
		t.Fatalf("failed to issue operator key: %v", err)
	}

	req = httptest.NewRequest("POST", "/api/v1/tasks/unlock-all", nil)
	req.Header.Set("X-Operator-Key", rawKey)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with a valid key, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateBackupTaskAndList(t *testing.T) {
	s := newTestServer(t)

	body := `{"task_name":"documents","task_type":"full","source_paths":"/srv/documents","retention_days":30}`
	req := httptest.NewRequest("POST", "/api/v1/backup-tasks", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/v1/backup-tasks", nil)
	rr = httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var tasks []models.BackupTask
	if err := json.NewDecoder(rr.Body).Decode(&tasks); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 backup task template, got %d", len(tasks))
	}
	if !tasks[0].IsTemplate {
		t.Error("expected listed backup task to be a template")
	}
}

func TestGetBackupSetNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/backup-sets/1", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
	}
}
