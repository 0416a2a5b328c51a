package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

const testTenant = "tenant-http"

type services struct {
	definitions *service.DefinitionService
	instances   *service.InstanceService
	tasks       *service.TaskQueue
	approvals   *service.ApprovalChainService
}

func newServices() services {
	store := repository.NewMemoryStore()
	log := logger.Nop()
	return services{
		definitions: service.NewDefinitionService(store, log),
		instances:   service.NewInstanceService(store, store, service.NopGateway{}, log),
		tasks:       service.NewTaskQueue(store),
		approvals:   service.NewApprovalChainService(store, store, service.NopGateway{}, log),
	}
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	svc := newServices()
	e := echo.New()
	NewHTTPHandler(svc.definitions, svc.instances, svc.tasks, svc.approvals, logger.Nop()).Register(e.Group("/api/v1"))
	return e
}

// call performs a request as user and decodes the JSON response into out when non-nil.
func call(t *testing.T, e *echo.Echo, method, path, user, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(HeaderTenantID, testTenant)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

const leaveDefinition = `{
	"code": "leave-request",
	"name": "Leave request",
	"steps": [
		{"name": "Submit", "step_order": 1, "step_type": "start"},
		{"name": "Manager", "step_order": 2, "step_type": "APPROVAL", "assignee_id": "mgr-1", "sla_hours": 24},
		{"name": "HR", "step_order": 3, "step_type": "TASK", "assignee_id": "hr-1"},
		{"name": "Done", "step_order": 4, "step_type": "END"}
	],
	"transitions": [
		{"from_order": 1, "to_order": 2, "trigger_action": "SUBMIT"},
		{"from_order": 2, "to_order": 3, "trigger_action": "approve"},
		{"from_order": 3, "to_order": 4, "trigger_action": "COMPLETE"}
	]
}`

func activeLeaveDefinition(t *testing.T, e *echo.Echo) string {
	t.Helper()
	var def repository.WorkflowDefinition
	require.Equal(t, http.StatusCreated, call(t, e, http.MethodPost, "/api/v1/definitions", "admin", leaveDefinition, &def))
	assert.Equal(t, repository.DefinitionDraft, def.Status)
	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, "/api/v1/definitions/"+def.ID+"/activate", "admin", "", &def))
	assert.Equal(t, repository.DefinitionActive, def.Status)
	return def.ID
}

func TestHTTP_RequiresIdentity(t *testing.T) {
	e := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, call(t, e, http.MethodGet, "/api/v1/tasks", "", "", nil))
}

func TestHTTP_InstanceLifecycle(t *testing.T) {
	e := newTestServer(t)
	defID := activeLeaveDefinition(t, e)

	var inst repository.WorkflowInstance
	require.Equal(t, http.StatusCreated, call(t, e, http.MethodPost, "/api/v1/instances", "emp-1",
		`{"workflow_id": "`+defID+`", "title": "Annual leave", "entity_type": "leave_request", "entity_id": "lr-1"}`, &inst))
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	require.NotNil(t, inst.CurrentStepID)

	var tasks listResponse[repository.WorkflowStepInstance]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/tasks", "mgr-1", "", &tasks))
	require.Equal(t, 1, tasks.Total)
	assert.Equal(t, "Manager", tasks.Items[0].StepName)

	assert.Equal(t, http.StatusForbidden, call(t, e, http.MethodGet, "/api/v1/tasks?user_id=mgr-1", "hr-1", "", nil))
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/tasks?user_id=mgr-1", "mgr-1", "", &tasks))
	assert.Equal(t, 1, tasks.Total)

	actions := "/api/v1/instances/" + inst.ID + "/actions"
	assert.Equal(t, http.StatusForbidden, call(t, e, http.MethodPost, actions, "hr-1", `{"action": "APPROVE"}`, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, e, http.MethodPost, actions, "mgr-1", `{"action": "SUBMIT"}`, nil))

	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, actions, "mgr-1", `{"action": "approve", "comments": "ok"}`, &inst))
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, actions, "hr-1", `{"action": "COMPLETE"}`, &inst))
	assert.Equal(t, repository.InstanceCompleted, inst.Status)
	assert.Nil(t, inst.CurrentStepID)

	assert.Equal(t, http.StatusConflict, call(t, e, http.MethodPost, actions, "hr-1", `{"action": "COMPLETE"}`, nil))

	var history listResponse[repository.WorkflowHistory]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/instances/"+inst.ID+"/history", "auditor", "", &history))
	assert.Equal(t, 4, history.Total)

	assert.Equal(t, http.StatusNotFound, call(t, e, http.MethodGet, "/api/v1/instances/missing", "emp-1", "", nil))
}

func TestHTTP_CancelInstance(t *testing.T) {
	e := newTestServer(t)
	defID := activeLeaveDefinition(t, e)

	var inst repository.WorkflowInstance
	require.Equal(t, http.StatusCreated, call(t, e, http.MethodPost, "/api/v1/instances", "emp-1",
		`{"workflow_id": "`+defID+`", "title": "Trip"}`, &inst))

	cancel := "/api/v1/instances/" + inst.ID + "/cancel"
	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, cancel, "emp-1", `{"reason": "plans changed"}`, &inst))
	assert.Equal(t, repository.InstanceCancelled, inst.Status)
	assert.Equal(t, http.StatusConflict, call(t, e, http.MethodPost, cancel, "emp-1", `{}`, nil))

	var tasks listResponse[repository.WorkflowStepInstance]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/tasks", "mgr-1", "", &tasks))
	assert.Equal(t, 0, tasks.Total)
	assert.NotNil(t, tasks.Items)
}

func TestHTTP_ApprovalChainWithDelegate(t *testing.T) {
	e := newTestServer(t)
	now := time.Now().UTC()

	delegate := `{"delegate_id": "deputy", "start_date": "` + now.Add(-time.Hour).Format(time.RFC3339) +
		`", "end_date": "` + now.Add(time.Hour).Format(time.RFC3339) + `"}`
	var d repository.ApprovalDelegate
	require.Equal(t, http.StatusCreated, call(t, e, http.MethodPost, "/api/v1/delegates", "boss", delegate, &d))
	assert.Equal(t, "boss", d.ApproverID)

	var req repository.ApprovalRequest
	require.Equal(t, http.StatusCreated, call(t, e, http.MethodPost, "/api/v1/approvals", "emp-1",
		`{"title": "PO-7", "approvers": ["boss", "cfo"], "amount": 50000, "currency": "EUR"}`, &req))
	assert.Equal(t, repository.ApprovalPending, req.Status)
	require.Len(t, req.Steps, 2)

	var pending listResponse[repository.ApprovalRequest]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/approvals/pending", "deputy", "", &pending))
	assert.Equal(t, 1, pending.Total)

	approve := "/api/v1/approvals/" + req.ID + "/approve"
	assert.Equal(t, http.StatusForbidden, call(t, e, http.MethodPost, approve, "cfo", "", nil))
	assert.Equal(t, http.StatusForbidden, call(t, e, http.MethodPost, approve, "boss", "", nil))
	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, approve, "deputy", `{"comments": "covering"}`, &req))
	require.Equal(t, http.StatusOK, call(t, e, http.MethodPost, "/api/v1/approvals/"+req.ID+"/reject", "cfo", "", &req))
	assert.Equal(t, repository.ApprovalRejected, req.Status)

	var decisions listResponse[repository.ApprovalDecision]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/approvals/"+req.ID+"/decisions", "auditor", "", &decisions))
	require.Equal(t, 2, decisions.Total)
	assert.Equal(t, "deputy", decisions.Items[0].DecidedByID)

	revoke := "/api/v1/delegates/" + d.ID
	assert.Equal(t, http.StatusForbidden, call(t, e, http.MethodDelete, revoke, "deputy", "", nil))
	assert.Equal(t, http.StatusNoContent, call(t, e, http.MethodDelete, revoke, "boss", "", nil))

	var delegates listResponse[repository.ApprovalDelegate]
	require.Equal(t, http.StatusOK, call(t, e, http.MethodGet, "/api/v1/delegates", "boss", "", &delegates))
	require.Equal(t, 1, delegates.Total)
	assert.False(t, delegates.Items[0].IsActive)
}

func TestHTTP_DefinitionValidation(t *testing.T) {
	e := newTestServer(t)
	body := `{"code": "broken", "name": "Broken", "steps": [{"name": "Only", "step_order": 1, "step_type": "START"}]}`
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, e, http.MethodPost, "/api/v1/definitions", "admin", body, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, e, http.MethodPost, "/api/v1/definitions", "admin", `{"code":`, nil))
}
