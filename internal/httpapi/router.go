package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 标准库 ServeMux 封装
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterMissionRoutes 注册任务生命周期路由
func (r *Router) RegisterMissionRoutes(h *MissionHandler) {
	r.Handle(missionPathPrefix, h.ServeHTTP)
}

// RegisterHealthRoutes 注册健康检查，mqttConnected 上报通知通道状态
func (r *Router) RegisterHealthRoutes(mqttConnected func() bool) {
	r.Handle("/health", func(w http.ResponseWriter, req *http.Request) {
		status := "ok"
		mqtt := "connected"
		if !mqttConnected() {
			status = "degraded"
			mqtt = "disconnected"
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": status,
			"mqtt":   mqtt,
		})
	})
}
