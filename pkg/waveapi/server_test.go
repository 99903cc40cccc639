package waveapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/gate"
	"github.com/kadirpekel/wave/pkg/queue"
	"github.com/kadirpekel/wave/pkg/supervisor"
)

func newTestServer(t *testing.T) (*Server, *checkpoint.Manager, *gate.Machine, *queue.TaskQueue) {
	t.Helper()
	cfg := &checkpoint.Config{Dialect: checkpoint.DialectSQLite, DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())}
	mgr, err := checkpoint.NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	ex := gate.NewExecutor(nil)
	require.NoError(t, ex.RegisterValidator(gate.NewSelfReviewValidator([]string{"checklist_complete"})))
	require.NoError(t, ex.RegisterValidator(gate.NewBuildValidator()))
	require.NoError(t, ex.RegisterValidator(gate.NewTestValidator(0)))

	m := gate.NewMachine(mgr, ex)
	q := queue.New()
	sup := supervisor.New(supervisor.Config{Checkpoints: mgr, Gates: m, Queue: q})

	return New("127.0.0.1:0", sup, mgr), mgr, m, q
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSchemaServesJSONSchema(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/schema/start", nil)
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "story_id")
}

func TestHandleStartSessionRejectsMissingStoryID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/", nil)
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStartSessionRunsToManualGate(t *testing.T) {
	srv, _, _, q := newTestServer(t)

	body := `{"story_id":"story-1","story_title":"Add login","project_path":"proj","domain":"be","agent":"be-agent","requirements":"implement login"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/", strings.NewReader(body))

	done := make(chan struct{})
	go func() {
		srv.router().ServeHTTP(rec, req)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		task := q.Dequeue(context.Background(), queue.DomainBackend, 2*time.Second)
		require.NotNil(t, task)
		q.SubmitResult(&queue.Result{TaskID: task.ID, Status: queue.StatusCompleted, Domain: task.Domain})
	}
	<-done

	require.Equal(t, http.StatusOK, rec.Code)

	var se checkpoint.StoryExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &se))
	require.Equal(t, string(gate.Gate4), se.CurrentGate())
}

func TestHandleSessionStatusReturnsEmptyForUnknownSession(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/missing/status", nil)
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleStopWithoutEmergencyStopReturns503(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/sess-1/stop", nil)
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
