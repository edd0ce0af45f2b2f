package models

import (
	"time"
)

// 审计动作
const (
	AuditMissionCreated    = "MISSION_CREATED"
	AuditMissionAssigned   = "MISSION_ASSIGNED"
	AuditMissionAccepted   = "MISSION_ACCEPTED"
	AuditMissionStarted    = "MISSION_STARTED"
	AuditMissionFinished   = "MISSION_FINISHED"
	AuditMissionRejected   = "MISSION_REJECTED"
	AuditMissionCancelled  = "MISSION_CANCELLED"
	AuditMissionCured      = "MISSION_CURED"
	AuditMissionShifted    = "MISSION_SHIFTED"
	AuditMissionEmergency  = "MISSION_EMERGENCY"
	AuditMissionLonely     = "MISSION_LONELY"
	AuditMissionOvertime   = "MISSION_OVERTIME"
	AuditMissionAutoReject = "MISSION_AUTO_REJECTED"
	AuditRejectEscalated   = "MISSION_REJECT_ESCALATED"
	AuditWorkerEscalated   = "WORKER_REJECT_ESCALATED"
	AuditShiftReset        = "SHIFT_COUNTERS_RESET"
)

// 审计操作者（非人为操作时使用）
const (
	AuditActorScheduler = "scheduler"
)

// AuditEntry 审计日志（对应 audit_log 表）
// 与状态变更同一事务写入；"只通知一次"的守卫依赖其存在性查询，
// 因此进程重启后依然有效
type AuditEntry struct {
	LogID       string    `json:"log_id" db:"log_id"`
	Action      string    `json:"action" db:"action"`
	TableName   string    `json:"table_name" db:"table_name"`
	RecordID    string    `json:"record_id" db:"record_id"`
	Actor       string    `json:"actor" db:"actor"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
