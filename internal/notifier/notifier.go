package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"

	"go.uber.org/zap"
)

// 通知类型
const (
	TypeMissionAssigned = "mission_assigned"
	TypeMissionLonely   = "mission_lonely"
	TypeMissionOvertime = "mission_overtime"
	TypeRejectEscalate  = "mission_reject_escalate"
	TypeWorkerEscalate  = "worker_reject_escalate"
	TypeEmergency       = "mission_emergency"
	TypeAcceptTimeout   = "mission_accept_timeout"
)

// Message 通知载荷（统一信封）
type Message struct {
	Type        string    `json:"type"`
	MissionID   string    `json:"mission_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	WorkerBadge string    `json:"worker_badge,omitempty"`
	Description string    `json:"description,omitempty"`
	Count       int       `json:"count,omitempty"`
	Minutes     int       `json:"minutes,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Notifier 派工通知器（尽力而为，发布失败只记日志不中断流程）
type Notifier struct {
	pub    Publisher
	prefix string
	qos    byte
	retain bool
	logger *zap.Logger
}

// NewNotifier 创建派工通知器
func NewNotifier(pub Publisher, prefix string, qos byte, retain bool, logger *zap.Logger) *Notifier {
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		qos:    qos,
		retain: retain,
		logger: logger,
	}
}

// WorkerTopic 工人个人主题
func (n *Notifier) WorkerTopic(badge string) string {
	return fmt.Sprintf("%s/worker/%s/mission", n.prefix, badge)
}

// WorkshopTopic 车间广播主题
func (n *Notifier) WorkshopTopic(workshopID string) string {
	return fmt.Sprintf("%s/workshop/%s/alert", n.prefix, workshopID)
}

// publish 序列化并发布
func (n *Notifier) publish(topic string, msg Message) {
	msg.SentAt = time.Now()

	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("Failed to marshal notification",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return
	}

	if err := n.pub.Publish(topic, n.qos, n.retain, payload); err != nil {
		// 通知是尽力而为：失败记日志，不影响状态变更
		n.logger.Error("Failed to publish notification",
			zap.String("topic", topic),
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return
	}

	n.logger.Debug("Notification published",
		zap.String("topic", topic),
		zap.String("type", msg.Type),
		zap.String("mission_id", msg.MissionID),
	)
}

// MissionAssigned 通知工人有新任务
func (n *Notifier) MissionAssigned(badge string, mission *models.Mission) {
	n.publish(n.WorkerTopic(badge), Message{
		Type:        TypeMissionAssigned,
		MissionID:   mission.MissionID,
		DeviceID:    mission.DeviceID,
		WorkerBadge: badge,
		Description: mission.Name,
	})
}

// MissionLonely 车间广播：任务无可用工人
func (n *Notifier) MissionLonely(workshopID string, mission *models.Mission) {
	n.publish(n.WorkshopTopic(workshopID), Message{
		Type:        TypeMissionLonely,
		MissionID:   mission.MissionID,
		DeviceID:    mission.DeviceID,
		Description: "no worker available",
	})
}

// MissionOvertime 通知上级：任务维修超时
func (n *Notifier) MissionOvertime(superiorBadge, missionID, workerBadge string, minutes int) {
	n.publish(n.WorkerTopic(superiorBadge), Message{
		Type:        TypeMissionOvertime,
		MissionID:   missionID,
		WorkerBadge: workerBadge,
		Minutes:     minutes,
	})
}

// RejectEscalate 车间广播：任务累计拒单达到阈值
func (n *Notifier) RejectEscalate(workshopID, missionID string, count int) {
	n.publish(n.WorkshopTopic(workshopID), Message{
		Type:      TypeRejectEscalate,
		MissionID: missionID,
		Count:     count,
	})
}

// WorkerEscalate 通知上级：工人本班拒单达到阈值
func (n *Notifier) WorkerEscalate(superiorBadge, workerBadge string, count int) {
	n.publish(n.WorkerTopic(superiorBadge), Message{
		Type:        TypeWorkerEscalate,
		WorkerBadge: workerBadge,
		Count:       count,
	})
}

// Emergency 通知上级：工人请求支援
func (n *Notifier) Emergency(superiorBadge string, mission *models.Mission, workerBadge string) {
	n.publish(n.WorkerTopic(superiorBadge), Message{
		Type:        TypeEmergency,
		MissionID:   mission.MissionID,
		DeviceID:    mission.DeviceID,
		WorkerBadge: workerBadge,
	})
}

// AcceptTimeout 通知工人：任务因超时未接单被自动拒单
func (n *Notifier) AcceptTimeout(badge, missionID string) {
	n.publish(n.WorkerTopic(badge), Message{
		Type:        TypeAcceptTimeout,
		MissionID:   missionID,
		WorkerBadge: badge,
	})
}
