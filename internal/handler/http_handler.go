package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pesio-ai/be-plt-workflows/internal/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// Identity headers set by the gateway in front of this service. Tenant and
// user resolution happen there; this service trusts them.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

const (
	ctxTenantID = "tenant_id"
	ctxUserID   = "user_id"
)

// HTTPHandler exposes the engine as a JSON REST API.
type HTTPHandler struct {
	definitions *service.DefinitionService
	instances   *service.InstanceService
	tasks       *service.TaskQueue
	approvals   *service.ApprovalChainService
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	definitions *service.DefinitionService,
	instances *service.InstanceService,
	tasks *service.TaskQueue,
	approvals *service.ApprovalChainService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		definitions: definitions,
		instances:   instances,
		tasks:       tasks,
		approvals:   approvals,
		log:         log,
	}
}

// Register mounts every route on g.
func (h *HTTPHandler) Register(g *echo.Group) {
	g.Use(requireIdentity)

	g.POST("/definitions", h.CreateDefinition)
	g.GET("/definitions", h.ListDefinitions)
	g.GET("/definitions/:id", h.GetDefinition)
	g.POST("/definitions/:id/activate", h.ActivateDefinition)
	g.POST("/definitions/:id/retire", h.RetireDefinition)

	g.POST("/instances", h.CreateInstance)
	g.GET("/instances/:id", h.GetInstance)
	g.GET("/instances/:id/history", h.ListHistory)
	g.POST("/instances/:id/actions", h.TakeAction)
	g.POST("/instances/:id/cancel", h.CancelInstance)

	g.GET("/tasks", h.ListPendingTasks)

	g.POST("/approvals", h.CreateApprovalRequest)
	g.GET("/approvals/pending", h.ListPendingApprovals)
	g.GET("/approvals/:id", h.GetApprovalRequest)
	g.GET("/approvals/:id/decisions", h.ListDecisions)
	g.POST("/approvals/:id/approve", h.Approve)
	g.POST("/approvals/:id/reject", h.Reject)

	g.POST("/delegates", h.CreateDelegate)
	g.GET("/delegates", h.ListDelegates)
	g.DELETE("/delegates/:id", h.RevokeDelegate)
}

// requireIdentity copies the tenant and user headers into the echo context.
func requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID := strings.TrimSpace(c.Request().Header.Get(HeaderTenantID))
		userID := strings.TrimSpace(c.Request().Header.Get(HeaderUserID))
		if tenantID == "" || userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "tenant and user headers are required")
		}
		c.Set(ctxTenantID, tenantID)
		c.Set(ctxUserID, userID)
		return next(c)
	}
}

func tenantOf(c echo.Context) string { return c.Get(ctxTenantID).(string) }
func userOf(c echo.Context) string   { return c.Get(ctxUserID).(string) }

// ── Definitions ───────────────────────────────────────────────────────────────

type stepBody struct {
	Name       string  `json:"name"`
	StepOrder  int     `json:"step_order"`
	StepType   string  `json:"step_type"`
	AssigneeID *string `json:"assignee_id"`
	SLAHours   *int    `json:"sla_hours"`
}

type transitionBody struct {
	FromOrder     int    `json:"from_order"`
	ToOrder       int    `json:"to_order"`
	TriggerAction string `json:"trigger_action"`
}

type createDefinitionBody struct {
	Code        string           `json:"code"`
	Name        string           `json:"name"`
	Description *string          `json:"description"`
	Steps       []stepBody       `json:"steps"`
	Transitions []transitionBody `json:"transitions"`
}

func (h *HTTPHandler) CreateDefinition(c echo.Context) error {
	var body createDefinitionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	req := service.CreateDefinitionRequest{
		TenantID:    tenantOf(c),
		Code:        body.Code,
		Name:        body.Name,
		Description: body.Description,
		CreatedBy:   userOf(c),
	}
	for _, st := range body.Steps {
		req.Steps = append(req.Steps, service.StepInput{
			Name:       st.Name,
			StepOrder:  st.StepOrder,
			StepType:   repository.StepType(strings.ToUpper(st.StepType)),
			AssigneeID: st.AssigneeID,
			SLAHours:   st.SLAHours,
		})
	}
	for _, tr := range body.Transitions {
		req.Transitions = append(req.Transitions, service.TransitionInput{
			FromOrder:     tr.FromOrder,
			ToOrder:       tr.ToOrder,
			TriggerAction: repository.Action(strings.ToUpper(tr.TriggerAction)),
		})
	}

	def, err := h.definitions.CreateDefinition(c.Request().Context(), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (h *HTTPHandler) ListDefinitions(c echo.Context) error {
	defs, err := h.definitions.ListDefinitions(c.Request().Context(), tenantOf(c), c.QueryParam("code"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(defs))
}

func (h *HTTPHandler) GetDefinition(c echo.Context) error {
	def, err := h.definitions.GetDefinition(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (h *HTTPHandler) ActivateDefinition(c echo.Context) error {
	def, err := h.definitions.Activate(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (h *HTTPHandler) RetireDefinition(c echo.Context) error {
	def, err := h.definitions.Retire(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

// ── Instances ─────────────────────────────────────────────────────────────────

type createInstanceBody struct {
	WorkflowID string  `json:"workflow_id"`
	Title      string  `json:"title"`
	EntityType *string `json:"entity_type"`
	EntityID   *string `json:"entity_id"`
	// Assignees maps step order to user id, overriding static assignees.
	Assignees map[int]string `json:"assignees"`
}

func (h *HTTPHandler) CreateInstance(c echo.Context) error {
	var body createInstanceBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	inst, err := h.instances.CreateInstance(c.Request().Context(), service.CreateInstanceRequest{
		TenantID:     tenantOf(c),
		DefinitionID: body.WorkflowID,
		Title:        body.Title,
		EntityType:   body.EntityType,
		EntityID:     body.EntityID,
		InitiatorID:  userOf(c),
		Assignees:    body.Assignees,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (h *HTTPHandler) GetInstance(c echo.Context) error {
	inst, err := h.instances.GetInstance(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *HTTPHandler) ListHistory(c echo.Context) error {
	events, err := h.instances.ListHistory(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(events))
}

type actionBody struct {
	Action   string  `json:"action"`
	Comments *string `json:"comments"`
}

func (h *HTTPHandler) TakeAction(c echo.Context) error {
	var body actionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	inst, err := h.instances.TakeAction(
		c.Request().Context(),
		tenantOf(c), c.Param("id"), userOf(c),
		repository.Action(strings.ToUpper(body.Action)),
		body.Comments,
	)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (h *HTTPHandler) CancelInstance(c echo.Context) error {
	var body cancelBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	inst, err := h.instances.CancelInstance(c.Request().Context(), tenantOf(c), c.Param("id"), userOf(c), body.Reason)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// ListPendingTasks returns the caller's work list. user_id, when given, must
// be the caller.
func (h *HTTPHandler) ListPendingTasks(c echo.Context) error {
	userID := userOf(c)
	if q := c.QueryParam("user_id"); q != "" && q != userID {
		return h.fail(c, errors.Forbidden("users can only list their own tasks"))
	}
	tasks, err := h.tasks.ListPendingTasks(c.Request().Context(), tenantOf(c), userID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(tasks))
}

// ── Approval requests ─────────────────────────────────────────────────────────

type createApprovalBody struct {
	WorkflowID   *string  `json:"workflow_id"`
	Title        string   `json:"title"`
	EntityType   *string  `json:"entity_type"`
	EntityID     *string  `json:"entity_id"`
	Approvers    []string `json:"approvers"`
	Amount       int64    `json:"amount"`
	Currency     string   `json:"currency"`
	ApprovalType string   `json:"approval_type"`
}

func (h *HTTPHandler) CreateApprovalRequest(c echo.Context) error {
	var body createApprovalBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	req, err := h.approvals.CreateRequest(c.Request().Context(), service.CreateRequestInput{
		TenantID:     tenantOf(c),
		WorkflowID:   body.WorkflowID,
		Title:        body.Title,
		EntityType:   body.EntityType,
		EntityID:     body.EntityID,
		RequesterID:  userOf(c),
		Approvers:    body.Approvers,
		Amount:       body.Amount,
		Currency:     body.Currency,
		ApprovalType: repository.ApprovalType(strings.ToUpper(body.ApprovalType)),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *HTTPHandler) GetApprovalRequest(c echo.Context) error {
	req, err := h.approvals.GetRequest(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

func (h *HTTPHandler) ListDecisions(c echo.Context) error {
	decisions, err := h.approvals.ListDecisions(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(decisions))
}

func (h *HTTPHandler) ListPendingApprovals(c echo.Context) error {
	reqs, err := h.approvals.ListPendingApprovals(c.Request().Context(), tenantOf(c), userOf(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(reqs))
}

type decisionBody struct {
	Comments *string `json:"comments"`
}

func (h *HTTPHandler) Approve(c echo.Context) error {
	return h.decide(c, h.approvals.Approve)
}

func (h *HTTPHandler) Reject(c echo.Context) error {
	return h.decide(c, h.approvals.Reject)
}

type decideFunc func(ctx context.Context, tenantID, requestID, actorID string, comments *string) (*repository.ApprovalRequest, error)

func (h *HTTPHandler) decide(c echo.Context, fn decideFunc) error {
	var body decisionBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	req, err := fn(c.Request().Context(), tenantOf(c), c.Param("id"), userOf(c), body.Comments)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, req)
}

// ── Delegates ─────────────────────────────────────────────────────────────────

type createDelegateBody struct {
	DelegateID  string    `json:"delegate_id"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	MaxAmount   *int64    `json:"max_amount"`
	WorkflowIDs []string  `json:"workflow_ids"`
	Reason      *string   `json:"reason"`
}

// CreateDelegate grants a delegation on behalf of the calling approver.
func (h *HTTPHandler) CreateDelegate(c echo.Context) error {
	var body createDelegateBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	d, err := h.approvals.CreateDelegate(c.Request().Context(), service.CreateDelegateInput{
		TenantID:    tenantOf(c),
		ApproverID:  userOf(c),
		DelegateID:  body.DelegateID,
		StartDate:   body.StartDate,
		EndDate:     body.EndDate,
		MaxAmount:   body.MaxAmount,
		WorkflowIDs: body.WorkflowIDs,
		Reason:      body.Reason,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *HTTPHandler) ListDelegates(c echo.Context) error {
	delegates, err := h.approvals.ListDelegates(c.Request().Context(), tenantOf(c), userOf(c))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, listOf(delegates))
}

func (h *HTTPHandler) RevokeDelegate(c echo.Context) error {
	if err := h.approvals.RevokeDelegate(c.Request().Context(), tenantOf(c), c.Param("id"), userOf(c)); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ── helpers ───────────────────────────────────────────────────────────────────

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func listOf[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

// fail converts a service error into an HTTP error. Internal errors are logged
// and their detail is withheld from the client.
func (h *HTTPHandler) fail(c echo.Context, err error) error {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("Request failed")
		return echo.NewHTTPError(status, "internal error")
	}
	return echo.NewHTTPError(status, errorMessage(err))
}

func httpStatus(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeValidation:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage returns the message of the outermost coded error.
func errorMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
