// Package httpapi 维修任务生命周期 HTTP API。
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"foxlink-dispatch/internal/lifecycle"

	"go.uber.org/zap"
)

const missionPathPrefix = "/dispatch/api/v1/missions/"

// MissionControl 生命周期控制器接口（API 侧）
type MissionControl interface {
	Assign(ctx context.Context, missionID, badge, actor string) (lifecycle.Result, error)
	Accept(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
	Start(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
	Reject(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
	Finish(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
	Cancel(ctx context.Context, missionID, actor string) (lifecycle.Result, error)
	Escalate(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
}

// MissionHandler 任务生命周期操作处理器
type MissionHandler struct {
	control MissionControl
	logger  *zap.Logger
}

// NewMissionHandler 创建任务处理器
func NewMissionHandler(control MissionControl, logger *zap.Logger) *MissionHandler {
	return &MissionHandler{
		control: control,
		logger:  logger,
	}
}

// missionRequest 操作请求体
type missionRequest struct {
	Badge string `json:"badge"` // 工人工号
	Actor string `json:"actor,omitempty"`
}

// missionResponse 操作成功响应
type missionResponse struct {
	MissionID string `json:"mission_id"`
	Result    string `json:"result"` // applied / noop
}

// errorResponse 领域错误响应
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServeHTTP 路由 POST /dispatch/api/v1/missions/{id}/{op}
func (h *MissionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, missionPathPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	missionID, op := parts[0], parts[1]

	var req missionRequest
	if err := readBodyJSON(r, 1<<20, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "invalid request body"})
		return
	}

	ctx := r.Context()
	var (
		result lifecycle.Result
		err    error
	)

	switch op {
	case "assign":
		// 管理员手工指派；actor 缺省记为 badge 本人
		actor := req.Actor
		if actor == "" {
			actor = req.Badge
		}
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Assign(ctx, missionID, req.Badge, actor)
	case "accept":
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Accept(ctx, missionID, req.Badge)
	case "start":
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Start(ctx, missionID, req.Badge)
	case "reject":
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Reject(ctx, missionID, req.Badge)
	case "finish":
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Finish(ctx, missionID, req.Badge)
	case "cancel":
		actor := req.Actor
		if actor == "" {
			actor = "admin"
		}
		result, err = h.control.Cancel(ctx, missionID, actor)
	case "escalate":
		if req.Badge == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: "badge is required"})
			return
		}
		result, err = h.control.Escalate(ctx, missionID, req.Badge)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err != nil {
		h.writeDomainError(w, r, missionID, op, err)
		return
	}
	writeJSON(w, http.StatusOK, missionResponse{MissionID: missionID, Result: result.String()})
}

// writeDomainError 把领域错误翻译为 HTTP 状态码
func (h *MissionHandler) writeDomainError(w http.ResponseWriter, r *http.Request, missionID, op string, err error) {
	kind := lifecycle.KindOf(err)

	var status int
	switch kind {
	case lifecycle.KindNotFound:
		status = http.StatusNotFound
	case lifecycle.KindNotOwner:
		status = http.StatusForbidden
	case lifecycle.KindAlreadyClosed, lifecycle.KindAlreadyAssigned, lifecycle.KindInvalidState:
		status = http.StatusConflict
	case lifecycle.KindWorkerUnavailable:
		status = http.StatusUnprocessableEntity
	default:
		h.logger.Error("Mission operation failed",
			zap.String("mission_id", missionID),
			zap.String("op", op),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal", Message: "internal error"})
		return
	}

	writeJSON(w, status, errorResponse{Error: kind.String(), Message: err.Error()})
}
