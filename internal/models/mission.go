package models

import (
	"time"
)

// 任务完成原因（is_done = true 时四者取其一）
const (
	DoneReasonFinish = "finish" // 维修完成
	DoneReasonCancel = "cancel" // 管理员取消
	DoneReasonShift  = "shift"  // 换班截断（复制到下一班）
	DoneReasonCure   = "cure"   // 故障自愈（事件全部结束）
)

// Mission 维修任务（对应 missions 表）
type Mission struct {
	MissionID      string     `json:"mission_id" db:"mission_id"`
	DeviceID       string     `json:"device_id" db:"device_id"`
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description" db:"description"`
	RequiredSkills []string   `json:"required_skills" db:"required_skills"` // 逗号分隔存储
	WorkerBadge    *string    `json:"worker_badge,omitempty" db:"worker_badge"`
	IsDone         bool       `json:"is_done" db:"is_done"`
	IsDoneFinish   bool       `json:"is_done_finish" db:"is_done_finish"`
	IsDoneCancel   bool       `json:"is_done_cancel" db:"is_done_cancel"`
	IsDoneShift    bool       `json:"is_done_shift" db:"is_done_shift"`
	IsDoneCure     bool       `json:"is_done_cure" db:"is_done_cure"`
	IsEmergency    bool       `json:"is_emergency" db:"is_emergency"`
	IsOvertime     bool       `json:"is_overtime" db:"is_overtime"`
	IsLonely       bool       `json:"is_lonely" db:"is_lonely"`
	IsRescue       bool       `json:"is_rescue" db:"is_rescue"` // 归巢任务（派工员合成）
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	NotifySentAt   *time.Time `json:"notify_sent_at,omitempty" db:"notify_sent_at"`
	NotifyRecvAt   *time.Time `json:"notify_received_at,omitempty" db:"notify_received_at"`
	AcceptRecvAt   *time.Time `json:"accept_received_at,omitempty" db:"accept_received_at"`
	RepairBeginAt  *time.Time `json:"repair_begin_at,omitempty" db:"repair_begin_at"`
	RepairEndAt    *time.Time `json:"repair_end_at,omitempty" db:"repair_end_at"`
}

// Assigned 任务是否已指派工人
func (m *Mission) Assigned() bool {
	return m.WorkerBadge != nil && *m.WorkerBadge != ""
}

// Accepted 任务是否已被接受
func (m *Mission) Accepted() bool {
	return m.AcceptRecvAt != nil
}

// Started 任务是否已开工
func (m *Mission) Started() bool {
	return m.RepairBeginAt != nil
}

// DoneReason 返回完成原因（未完成返回空串）
func (m *Mission) DoneReason() string {
	switch {
	case !m.IsDone:
		return ""
	case m.IsDoneFinish:
		return DoneReasonFinish
	case m.IsDoneCancel:
		return DoneReasonCancel
	case m.IsDoneShift:
		return DoneReasonShift
	case m.IsDoneCure:
		return DoneReasonCure
	}
	return ""
}

// MissionRejection 拒单记录（mission_rejections 表，只追加不删除）
type MissionRejection struct {
	MissionID   string    `json:"mission_id" db:"mission_id"`
	WorkerBadge string    `json:"worker_badge" db:"worker_badge"`
	RejectedAt  time.Time `json:"rejected_at" db:"rejected_at"`
}

// MissionEvent 任务关联的故障事件（对应 mission_events 表）
// (ext_event_id, ext_host, ext_table) 唯一，用于去重
type MissionEvent struct {
	EventID    string     `json:"event_id" db:"event_id"`
	MissionID  string     `json:"mission_id" db:"mission_id"`
	ExtEventID int64      `json:"ext_event_id" db:"ext_event_id"`
	ExtHost    string     `json:"ext_host" db:"ext_host"`
	ExtTable   string     `json:"ext_table" db:"ext_table"`
	Category   int        `json:"category" db:"category"`
	Message    string     `json:"message" db:"message"`
	BeginAt    time.Time  `json:"begin_at" db:"begin_at"`
	EndAt      *time.Time `json:"end_at,omitempty" db:"end_at"`
}
