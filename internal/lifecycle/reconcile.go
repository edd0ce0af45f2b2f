package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"

	"go.uber.org/zap"
)

// 调度循环专用操作。与工人侧操作共用同一套事务与锁约定，
// 循环与外部 API 调用交错时由前置条件重校验保证一致。

// AutoReject 接单超时：以调度身份替工人拒单并通知
func (c *Controller) AutoReject(ctx context.Context, missionID, badge string) (Result, error) {
	result, err := c.reject(ctx, missionID, badge, models.AuditActorScheduler,
		models.AuditMissionAutoReject, "accept timeout")
	if err != nil {
		return result, err
	}
	c.notices.AcceptTimeout(badge, missionID)
	return result, nil
}

// AutoClose 故障自愈关闭：任务未开工且全部事件已结束
// 幂等：任务已关闭时返回 NoOp，不产生第二条审计
// 候选查询与关闭之间摄取可能挂入新事件，事务内复核全部事件已结束
func (c *Controller) AutoClose(ctx context.Context, missionID string) (Result, error) {
	result := ResultApplied

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone || m.Started() {
			result = ResultNoOp
			return nil
		}

		events, err := c.events.ListEventsByMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			result = ResultNoOp
			return nil
		}
		for _, e := range events {
			if e.EndAt == nil {
				result = ResultNoOp
				return nil
			}
		}

		now := time.Now()
		if err := c.missions.Close(ctx, tx, missionID, models.DoneReasonCure, now); err != nil {
			return err
		}
		if m.Assigned() {
			if _, err := c.lockWorker(ctx, tx, *m.WorkerBadge); err != nil {
				return err
			}
			if err := c.workers.SetIdle(ctx, tx, *m.WorkerBadge, now); err != nil {
				return err
			}
		}
		_, err = c.audit.Append(ctx, tx, models.AuditMissionCured, "missions", missionID,
			models.AuditActorScheduler, "all events resolved")
		return err
	})
	return result, err
}

// ShiftSwap 换班截断：关闭进行中的任务并为下一班克隆一个新的待派任务
// （名称/描述/设备/技能要求/事件随克隆转移），工人释放回空闲
func (c *Controller) ShiftSwap(ctx context.Context, missionID string) (Result, error) {
	result := ResultApplied
	var cloneID string

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone || !m.Started() {
			result = ResultNoOp
			return nil
		}

		now := time.Now()
		if err := c.missions.Close(ctx, tx, missionID, models.DoneReasonShift, now); err != nil {
			return err
		}

		if m.Assigned() {
			if _, err := c.lockWorker(ctx, tx, *m.WorkerBadge); err != nil {
				return err
			}
			if err := c.workers.SetIdle(ctx, tx, *m.WorkerBadge, now); err != nil {
				return err
			}
		}

		// 归巢任务随班次结束直接关闭，不克隆
		if !m.IsRescue {
			clone := &models.Mission{
				DeviceID:       m.DeviceID,
				Name:           m.Name,
				Description:    m.Description,
				RequiredSkills: m.RequiredSkills,
			}
			if err := c.missions.CreateMission(ctx, tx, clone); err != nil {
				return err
			}
			if err := c.events.ReassignEvents(ctx, tx, missionID, clone.MissionID); err != nil {
				return err
			}
			if _, err := c.audit.Append(ctx, tx, models.AuditMissionCreated, "missions", clone.MissionID,
				models.AuditActorScheduler, fmt.Sprintf("cloned from %s on shift change", missionID)); err != nil {
				return err
			}
			cloneID = clone.MissionID
		}

		_, err = c.audit.Append(ctx, tx, models.AuditMissionShifted, "missions", missionID,
			models.AuditActorScheduler, "")
		return err
	})
	if err == nil && cloneID != "" {
		c.logger.Info("Mission cloned for next shift",
			zap.String("mission_id", missionID),
			zap.String("clone_id", cloneID),
		)
	}
	return result, err
}

// ResetShiftCounters 清零全部工人的本班计数
// 每个班次窗口只执行一次，审计描述按窗口起点区分；重启后依然幂等
func (c *Controller) ResetShiftCounters(ctx context.Context, shiftID string, shiftStart time.Time) (Result, error) {
	result := ResultApplied
	guard := fmt.Sprintf("start=%d", shiftStart.Unix())

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := c.audit.ExistsWithDescriptionTx(ctx, tx, models.AuditShiftReset, shiftID, guard)
		if err != nil {
			return err
		}
		if exists {
			result = ResultNoOp
			return nil
		}

		if err := c.workers.ResetShiftCounters(ctx, tx); err != nil {
			return err
		}
		_, err = c.audit.Append(ctx, tx, models.AuditShiftReset, "shifts", shiftID,
			models.AuditActorScheduler, guard)
		return err
	})
	if err == nil && result == ResultApplied {
		c.logger.Info("Shift counters reset",
			zap.String("shift_id", shiftID),
		)
	}
	return result, err
}

// MarkOvertime 维修超时越阈：标记 is_overtime 并通知上级
// 每个任务的每个阈值只触发一次（审计描述按阈值区分）
func (c *Controller) MarkOvertime(ctx context.Context, missionID string, thresholdMinutes, elapsedMinutes int) (Result, error) {
	result := ResultApplied
	var badge string
	guard := fmt.Sprintf("overtime=%d", thresholdMinutes)

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone || !m.Started() || !m.Assigned() {
			result = ResultNoOp
			return nil
		}

		exists, err := c.audit.ExistsWithDescriptionTx(ctx, tx, models.AuditMissionOvertime, missionID, guard)
		if err != nil {
			return err
		}
		if exists {
			result = ResultNoOp
			return nil
		}

		if err := c.missions.SetOvertime(ctx, tx, missionID); err != nil {
			return err
		}
		if _, err := c.audit.Append(ctx, tx, models.AuditMissionOvertime, "missions", missionID,
			models.AuditActorScheduler, guard); err != nil {
			return err
		}
		badge = *m.WorkerBadge
		return nil
	})
	if err != nil || result == ResultNoOp {
		return result, err
	}

	superior, serr := c.workers.FindSuperior(ctx, badge, maxSuperiorHops)
	if serr != nil {
		c.logger.Warn("Failed to resolve superior for overtime",
			zap.String("badge", badge),
			zap.Error(serr),
		)
	} else if superior != nil {
		c.notices.MissionOvertime(superior.Badge, missionID, badge, elapsedMinutes)
	}
	return ResultApplied, nil
}

// MarkLonely 无人可派：标记 is_lonely 并广播一次
// 已广播过（审计存在）或已不再待派时 NoOp，持续无人期间不重复广播
func (c *Controller) MarkLonely(ctx context.Context, missionID string) (Result, error) {
	result := ResultApplied
	var mission *models.Mission

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone || m.Assigned() {
			result = ResultNoOp
			return nil
		}

		exists, err := c.audit.ExistsTx(ctx, tx, models.AuditMissionLonely, missionID)
		if err != nil {
			return err
		}
		if exists {
			result = ResultNoOp
			return nil
		}

		if err := c.missions.SetLonely(ctx, tx, missionID); err != nil {
			return err
		}
		if _, err := c.audit.Append(ctx, tx, models.AuditMissionLonely, "missions", missionID,
			models.AuditActorScheduler, "no worker available"); err != nil {
			return err
		}
		mission = m
		return nil
	})
	if err != nil || result == ResultNoOp {
		return result, err
	}

	device, derr := c.devices.GetDevice(ctx, mission.DeviceID)
	if derr != nil {
		c.logger.Warn("Failed to resolve workshop for lonely mission",
			zap.String("mission_id", missionID),
			zap.Error(derr),
		)
		return ResultApplied, nil
	}
	c.notices.MissionLonely(device.WorkshopID, mission)
	return ResultApplied, nil
}

// IngestEvent 摄取一条外部故障事件：
// 设备已有未关闭任务则挂接事件，否则创建新的待派任务
// 返回 (是否新建任务, 事件是否入库——重复事件返回 false)
func (c *Controller) IngestEvent(ctx context.Context, device *models.Device, event *models.MissionEvent) (bool, bool, error) {
	open, err := c.missions.GetOpenMissionByDevice(ctx, device.DeviceID)
	if err != nil {
		return false, false, err
	}

	var (
		missionCreated bool
		eventInserted  bool
	)

	err = c.inTx(ctx, func(tx *sql.Tx) error {
		if open != nil {
			event.MissionID = open.MissionID
			inserted, err := c.events.CreateEvent(ctx, tx, event)
			if err != nil {
				return err
			}
			eventInserted = inserted
			return nil
		}

		mission := &models.Mission{
			DeviceID:    device.DeviceID,
			Name:        fmt.Sprintf("fault %d on %s", event.Category, device.Name),
			Description: event.Message,
		}
		if err := c.missions.CreateMission(ctx, tx, mission); err != nil {
			return err
		}
		event.MissionID = mission.MissionID
		inserted, err := c.events.CreateEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			// 并发去重命中唯一索引：任务不该悬空，放弃整个事务
			return fmt.Errorf("duplicate event %d@%s/%s", event.ExtEventID, event.ExtHost, event.ExtTable)
		}
		if _, err := c.audit.Append(ctx, tx, models.AuditMissionCreated, "missions", mission.MissionID,
			models.AuditActorScheduler, fmt.Sprintf("fault event %d@%s/%s", event.ExtEventID, event.ExtHost, event.ExtTable)); err != nil {
			return err
		}
		missionCreated = true
		eventInserted = true
		return nil
	})
	return missionCreated, eventInserted, err
}

// CreateRescueMission 合成归巢任务（空闲工人返回救援站）
func (c *Controller) CreateRescueMission(ctx context.Context, badge, rescueDeviceID string) (*models.Mission, error) {
	mission := &models.Mission{
		DeviceID:    rescueDeviceID,
		Name:        "return to rescue station",
		Description: fmt.Sprintf("idle homing for worker %s", badge),
		IsRescue:    true,
	}

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := c.missions.CreateMission(ctx, tx, mission); err != nil {
			return err
		}
		_, err := c.audit.Append(ctx, tx, models.AuditMissionCreated, "missions", mission.MissionID,
			models.AuditActorScheduler, fmt.Sprintf("rescue mission for worker %s", badge))
		return err
	})
	if err != nil {
		return nil, err
	}
	return mission, nil
}

// SnapWorkerToDevice 位置丢失的工人吸附到指定设备（拓扑编辑后恢复）
func (c *Controller) SnapWorkerToDevice(ctx context.Context, badge, deviceID string) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		return c.workers.SetLocation(ctx, tx, badge, deviceID)
	})
}
