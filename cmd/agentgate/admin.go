package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/hitl"
	"github.com/BaSui01/agentgate/types"
)

// =============================================================================
// 🗂️ HITL 管理 API
// =============================================================================
// 面向运营后台的人工决策管理端点。写操作与 WebSocket 侧投票走同一个协调器，
// 状态机规则（终态不可变、修订号守卫）对两侧一视同仁。
// 所有端点都要求 Bearer 令牌携带 admin 权限（见 AdminAuth 中间件），
// 租户从令牌中取，管理员只能操作本租户的请求。

type adminHandler struct {
	coord  *hitl.Coordinator
	logger *zap.Logger
}

func newAdminHandler(coord *hitl.Coordinator, logger *zap.Logger) *adminHandler {
	return &adminHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "admin_api")),
	}
}

// Register 挂载管理 API 路由
func (h *adminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/hitl/requests", h.handleList)
	mux.HandleFunc("POST /api/v1/hitl/requests", h.handleCreate)
	mux.HandleFunc("GET /api/v1/hitl/requests/{id}", h.handleGet)
	mux.HandleFunc("POST /api/v1/hitl/requests/{id}/assign", h.handleAssign)
	mux.HandleFunc("POST /api/v1/hitl/requests/{id}/escalate", h.handleEscalate)
	mux.HandleFunc("POST /api/v1/hitl/requests/{id}/cancel", h.handleCancel)
}

// handleList 列出本租户的决策请求，支持 execution_id、status、limit 过滤
func (h *adminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	filter := hitl.ListFilter{
		TenantID:    claims.TenantID,
		ExecutionID: r.URL.Query().Get("execution_id"),
		Status:      hitl.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, types.NewError(types.ErrCodeValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	reqs, err := h.coord.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": reqs,
		"count":    len(reqs),
	})
}

// createRequestBody 是创建请求的入参。timeout_seconds 为 0 时用服务端默认超时。
type createRequestBody struct {
	ExecutionID    string              `json:"execution_id"`
	Type           hitl.RequestType    `json:"type"`
	Decision       hitl.DecisionType   `json:"decision_type"`
	Title          string              `json:"title,omitempty"`
	Description    string              `json:"description,omitempty"`
	AssigneeUsers  []string            `json:"assignee_users,omitempty"`
	AssigneeRoles  []string            `json:"assignee_roles,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	Chain          []escalationStep    `json:"escalation_chain,omitempty"`
	Fallback       hitl.FallbackAction `json:"fallback,omitempty"`
}

type escalationStep struct {
	AssigneeUsers  []string `json:"assignee_users,omitempty"`
	AssigneeRoles  []string `json:"assignee_roles,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (h *adminHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, types.NewError(types.ErrCodeValidation, "invalid JSON body").WithCause(err))
		return
	}
	if body.ExecutionID == "" {
		h.writeError(w, types.NewError(types.ErrCodeValidation, "execution_id is required"))
		return
	}

	spec := hitl.Spec{
		Type:          body.Type,
		Decision:      body.Decision,
		RequesterID:   claims.UserID,
		Title:         body.Title,
		Description:   body.Description,
		AssigneeUsers: body.AssigneeUsers,
		AssigneeRoles: body.AssigneeRoles,
		Timeout:       time.Duration(body.TimeoutSeconds) * time.Second,
		Fallback:      body.Fallback,
	}
	for i, step := range body.Chain {
		spec.Chain = append(spec.Chain, hitl.EscalationStep{
			Level:         i + 1,
			AssigneeUsers: step.AssigneeUsers,
			AssigneeRoles: step.AssigneeRoles,
			Timeout:       time.Duration(step.TimeoutSeconds) * time.Second,
		})
	}

	req, err := h.coord.Create(r.Context(), claims.TenantID, body.ExecutionID, spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("hitl request created via admin api",
		zap.String("request_id", req.ID),
		zap.String("tenant_id", req.TenantID),
		zap.String("actor", claims.UserID))
	writeJSON(w, http.StatusCreated, req)
}

func (h *adminHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	req, err := h.coord.Get(r.Context(), r.PathValue("id"), claims.TenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *adminHandler) handleAssign(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		h.writeError(w, types.NewError(types.ErrCodeValidation, "user_id is required"))
		return
	}

	req, err := h.coord.Assign(r.Context(), r.PathValue("id"), claims.TenantID, body.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *adminHandler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	req, err := h.coord.Escalate(r.Context(), r.PathValue("id"), claims.TenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("hitl request escalated via admin api",
		zap.String("request_id", req.ID),
		zap.Int("level", req.Level),
		zap.String("actor", claims.UserID))
	writeJSON(w, http.StatusOK, req)
}

func (h *adminHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	claims := AdminClaimsFromContext(r.Context())
	if claims == nil {
		h.writeError(w, types.NewError(types.ErrCodePermissionDenied, "missing admin identity"))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// body 可省略
	_ = json.NewDecoder(r.Body).Decode(&body)

	req, err := h.coord.Cancel(r.Context(), r.PathValue("id"), claims.TenantID, claims.UserID, body.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// writeError 把协调器的结构化错误映射为 HTTP 状态码
func (h *adminHandler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, hitl.ErrRequestNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   string(types.ErrCodeNotFound),
			"message": err.Error(),
		})
		return
	}

	code := types.GetErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case types.ErrCodeValidation:
		status = http.StatusBadRequest
	case types.ErrCodeNotFound:
		status = http.StatusNotFound
	case types.ErrCodeInvalidTransition, types.ErrCodeEscalationExhausted:
		status = http.StatusConflict
	case types.ErrCodePermissionDenied:
		status = http.StatusForbidden
	case types.ErrCodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	}

	var structured *types.Error
	if errors.As(err, &structured) && structured.HTTPStatus != 0 {
		status = structured.HTTPStatus
	}

	msg := err.Error()
	if code == "" {
		code = types.ErrCodeInternal
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{
		"error":   string(code),
		"message": msg,
	})
}
