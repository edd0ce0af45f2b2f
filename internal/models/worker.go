package models

import (
	"time"
)

// 工人状态
const (
	WorkerStatusIdle    = "idle"    // 空闲（可被派工）
	WorkerStatusNotice  = "notice"  // 已通知（等待接单）
	WorkerStatusMoving  = "moving"  // 已接单（移动中）
	WorkerStatusWorking = "working" // 维修中
	WorkerStatusLeave   = "leave"   // 离岗（登出/请假）
)

// Worker 维修工人（对应 workers 表）
// SuperiorBadge 是弱引用：只按工号查询，不做所有权关系
//（原始数据中上下级可能成环，遍历必须限制跳数）
type Worker struct {
	Badge            string     `json:"badge" db:"badge"`
	Name             string     `json:"name" db:"name"`
	WorkshopID       string     `json:"workshop_id" db:"workshop_id"`
	ShiftID          string     `json:"shift_id" db:"shift_id"`
	Status           string     `json:"status" db:"status"`
	DeviceID         *string    `json:"device_id,omitempty" db:"device_id"` // 当前所在设备位置
	FinishEventAt    *time.Time `json:"finish_event_at,omitempty" db:"finish_event_at"`
	ShiftStartCount  int        `json:"shift_start_count" db:"shift_start_count"`
	ShiftRejectCount int        `json:"shift_reject_count" db:"shift_reject_count"`
	SuperiorBadge    *string    `json:"superior_badge,omitempty" db:"superior_badge"`
}

// AtDevice 工人是否位于指定设备
func (w *Worker) AtDevice(deviceID string) bool {
	return w.DeviceID != nil && *w.DeviceID == deviceID
}

// Shift 班次（对应 shifts 表）
// 起止以当天零点起的分钟数表示，允许跨午夜（如夜班 1200 → 480）
type Shift struct {
	ShiftID     string `json:"shift_id" db:"shift_id"`
	Name        string `json:"name" db:"name"`
	StartMinute int    `json:"start_minute" db:"start_minute"`
	EndMinute   int    `json:"end_minute" db:"end_minute"`
}

// Contains 判断时刻是否落在班次窗口内
func (s *Shift) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	if s.StartMinute <= s.EndMinute {
		return minute >= s.StartMinute && minute < s.EndMinute
	}
	// 跨午夜
	return minute >= s.StartMinute || minute < s.EndMinute
}
