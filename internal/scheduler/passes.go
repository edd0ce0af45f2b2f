package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"sync"
	"time"

	"foxlink-dispatch/internal/lifecycle"
	"foxlink-dispatch/internal/models"
	"foxlink-dispatch/internal/ranking"
	"foxlink-dispatch/internal/repository"

	"go.uber.org/zap"
)

// ============================================================================
// Pass 1: 事件完成同步
// ============================================================================

// syncEventCompletion 向事件源逐条确认未结束事件，已解决的回填 end_at
func (s *Scheduler) syncEventCompletion(ctx context.Context) error {
	open, err := s.events.ListOpenEvents(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	clients := make(map[string]FaultClient, len(s.sources))
	for _, b := range s.sources {
		clients[b.Client.Host()+"/"+b.Table] = b.Client
	}

	for _, e := range open {
		client, ok := clients[e.ExtHost+"/"+e.ExtTable]
		if !ok {
			// 配置里已移除的事件源，留给人工处理
			continue
		}

		ev, err := client.GetEvent(ctx, e.ExtTable, e.ExtEventID)
		if err != nil {
			s.logger.Warn("Failed to check event status",
				zap.String("host", e.ExtHost),
				zap.String("table", e.ExtTable),
				zap.Int64("ext_event_id", e.ExtEventID),
				zap.Error(err),
			)
			continue
		}
		if ev == nil || !ev.Resolved() {
			continue
		}

		if err := s.events.SetEventEnd(ctx, e.EventID, *ev.End); err != nil {
			s.logger.Error("Failed to set event end",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ============================================================================
// Pass 2: 故障自愈关闭
// ============================================================================

// autoClose 未开工且全部事件已结束的任务按自愈关闭
func (s *Scheduler) autoClose(ctx context.Context) error {
	candidates, err := s.missions.ListAutoCloseCandidates(ctx)
	if err != nil {
		return err
	}

	for _, m := range candidates {
		result, err := s.control.AutoClose(ctx, m.MissionID)
		if err != nil {
			s.logger.Error("Failed to auto close mission",
				zap.String("mission_id", m.MissionID),
				zap.Error(err),
			)
			continue
		}
		if result == lifecycle.ResultApplied {
			s.logger.Info("Mission auto closed",
				zap.String("mission_id", m.MissionID),
			)
		}
	}
	return nil
}

// ============================================================================
// Pass 3: 换班截断
// ============================================================================

// shiftSwapSweep 截断持有者已不在当前班次的维修中任务，并清零本班计数
// 逐任务按条件判断，不依赖进程内状态，重启后第一个 tick 即生效
func (s *Scheduler) shiftSwapSweep(ctx context.Context) error {
	now := time.Now()

	shift, err := s.shifts.CurrentShift(ctx, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// 班次间隙，等下一班
			return nil
		}
		return err
	}

	result, err := s.control.ResetShiftCounters(ctx, shift.ShiftID, repository.ShiftStart(shift, now))
	if err != nil {
		s.logger.Error("Failed to reset shift counters",
			zap.String("shift_id", shift.ShiftID),
			zap.Error(err),
		)
	} else if result == lifecycle.ResultApplied {
		s.logger.Info("Shift change detected",
			zap.String("shift_id", shift.ShiftID),
		)
	}

	inProgress, err := s.missions.ListInProgress(ctx)
	if err != nil {
		return err
	}
	for _, m := range inProgress {
		if m.WorkerBadge == nil {
			continue
		}
		w, err := s.workers.GetWorker(ctx, *m.WorkerBadge)
		if err != nil {
			s.logger.Error("Failed to load mission holder",
				zap.String("mission_id", m.MissionID),
				zap.String("badge", *m.WorkerBadge),
				zap.Error(err),
			)
			continue
		}
		if w.ShiftID == shift.ShiftID {
			continue
		}
		if _, err := s.control.ShiftSwap(ctx, m.MissionID); err != nil {
			s.logger.Error("Failed to swap mission on shift change",
				zap.String("mission_id", m.MissionID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Mission truncated on shift change",
			zap.String("mission_id", m.MissionID),
			zap.String("badge", *m.WorkerBadge),
		)
	}
	return nil
}

// ============================================================================
// Pass 4: 空闲归巢
// ============================================================================

// idleHoming 空闲超过阈值的工人派归巢任务送回救援站
func (s *Scheduler) idleHoming(ctx context.Context) error {
	now := time.Now()

	shift, err := s.shifts.CurrentShift(ctx, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	workers, err := s.workers.ListIdleWorkers(ctx, shift.ShiftID)
	if err != nil {
		return err
	}

	graphs := make(map[string]*models.DistanceGraph)
	rescues := make(map[string][]*models.Device)

	for _, w := range workers {
		if w.FinishEventAt == nil || now.Sub(*w.FinishEventAt) < s.opts.IdleHomingAfter {
			continue
		}

		if _, ok := rescues[w.WorkshopID]; !ok {
			list, err := s.devices.ListRescueDevices(ctx, w.WorkshopID)
			if err != nil {
				s.logger.Error("Failed to list rescue devices",
					zap.String("workshop_id", w.WorkshopID),
					zap.Error(err),
				)
				continue
			}
			rescues[w.WorkshopID] = list
		}
		stations := rescues[w.WorkshopID]
		if len(stations) == 0 {
			continue
		}

		// 位置丢失的工人先吸附到救援站，下个 tick 正常参与排序
		if w.DeviceID == nil {
			if err := s.control.SnapWorkerToDevice(ctx, w.Badge, stations[0].DeviceID); err != nil {
				s.logger.Error("Failed to snap worker to rescue station",
					zap.String("badge", w.Badge),
					zap.Error(err),
				)
			}
			continue
		}

		if _, ok := graphs[w.WorkshopID]; !ok {
			g, err := s.devices.LoadDistanceGraph(ctx, w.WorkshopID)
			if err != nil {
				s.logger.Error("Failed to load distance graph",
					zap.String("workshop_id", w.WorkshopID),
					zap.Error(err),
				)
				continue
			}
			graphs[w.WorkshopID] = g
		}

		target, ok := ranking.NearestRescue(graphs[w.WorkshopID], *w.DeviceID, stations)
		if !ok {
			continue
		}
		if target == *w.DeviceID {
			// 已在救援站，不需要归巢
			continue
		}

		mission, err := s.control.CreateRescueMission(ctx, w.Badge, target)
		if err != nil {
			s.logger.Error("Failed to create rescue mission",
				zap.String("badge", w.Badge),
				zap.Error(err),
			)
			continue
		}
		if _, err := s.control.Assign(ctx, mission.MissionID, w.Badge, models.AuditActorScheduler); err != nil {
			s.logger.Error("Failed to assign rescue mission",
				zap.String("mission_id", mission.MissionID),
				zap.String("badge", w.Badge),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Idle worker homed to rescue station",
			zap.String("badge", w.Badge),
			zap.String("rescue_device", target),
		)
	}
	return nil
}

// ============================================================================
// Pass 5: 超时检查（接单超时 + 维修超时）
// ============================================================================

// overtimeChecks 接单超时自动拒单；维修时长越过各阈值时逐级通知
func (s *Scheduler) overtimeChecks(ctx context.Context) error {
	now := time.Now()

	unaccepted, err := s.missions.ListAssignedUnaccepted(ctx)
	if err != nil {
		return err
	}
	for _, m := range unaccepted {
		if m.NotifySentAt == nil || now.Sub(*m.NotifySentAt) < s.opts.AcceptTimeout {
			continue
		}
		if _, err := s.control.AutoReject(ctx, m.MissionID, *m.WorkerBadge); err != nil {
			s.logger.Error("Failed to auto reject mission",
				zap.String("mission_id", m.MissionID),
				zap.String("badge", *m.WorkerBadge),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Mission auto rejected on accept timeout",
			zap.String("mission_id", m.MissionID),
			zap.String("badge", *m.WorkerBadge),
		)
	}

	inProgress, err := s.missions.ListInProgress(ctx)
	if err != nil {
		return err
	}
	for _, m := range inProgress {
		elapsed := int(now.Sub(*m.RepairBeginAt).Minutes())
		for _, threshold := range s.opts.OvertimeThresholds {
			if elapsed < threshold {
				break
			}
			// 审计守卫保证每个阈值只触发一次
			if _, err := s.control.MarkOvertime(ctx, m.MissionID, threshold, elapsed); err != nil {
				s.logger.Error("Failed to mark mission overtime",
					zap.String("mission_id", m.MissionID),
					zap.Int("threshold_minutes", threshold),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// ============================================================================
// Pass 6: 故障事件摄取
// ============================================================================

// ingestFaultEvents 并发拉取各事件源的新事件并落库
// 单个 (host, table) 失败只影响自己，汇总为日志不中断 tick
func (s *Scheduler) ingestFaultEvents(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, binding := range s.sources {
		wg.Add(1)
		go func(b SourceBinding) {
			defer wg.Done()
			if err := s.ingestSource(ctx, b); err != nil {
				s.logger.Error("Failed to ingest fault events",
					zap.String("host", b.Client.Host()),
					zap.String("table", b.Table),
					zap.Error(err),
				)
			}
		}(binding)
	}
	wg.Wait()
	return nil
}

// ingestSource 单个 (host, table) 的一轮摄取
func (s *Scheduler) ingestSource(ctx context.Context, b SourceBinding) error {
	host := b.Client.Host()

	since, ok := s.ingest.Watermark(ctx, host, b.Table)
	if !ok {
		// Redis 水位缺失（重启/淘汰），回退到数据库
		dbWatermark, err := s.events.MaxWatermark(ctx, host, b.Table)
		if err != nil {
			return err
		}
		since = dbWatermark
	}

	events, err := b.Client.ListRecentEvents(ctx, b.Table, since)
	if err != nil {
		return err
	}

	watermark := since
	for _, ev := range events {
		if ev.Start.After(watermark) {
			watermark = ev.Start
		}
		if ev.Category < s.opts.CategoryMin || ev.Category > s.opts.CategoryMax {
			continue
		}
		if s.ingest.Seen(ctx, host, b.Table, ev.ID) {
			continue
		}

		device, err := s.devices.MapExtDevice(ctx, ev.Device)
		if err != nil {
			s.logger.Error("Failed to map event device",
				zap.String("host", host),
				zap.String("ext_device", ev.Device),
				zap.Error(err),
			)
			continue
		}
		if device == nil {
			// 事件源里有、拓扑里没有的设备，跳过并记住避免反复告警
			s.logger.Warn("Fault event on unknown device",
				zap.String("host", host),
				zap.String("table", b.Table),
				zap.Int64("ext_event_id", ev.ID),
				zap.String("ext_device", ev.Device),
			)
			s.ingest.MarkSeen(ctx, host, b.Table, ev.ID)
			continue
		}

		created, inserted, err := s.control.IngestEvent(ctx, device, &models.MissionEvent{
			ExtEventID: ev.ID,
			ExtHost:    host,
			ExtTable:   b.Table,
			Category:   ev.Category,
			Message:    ev.Message,
			BeginAt:    ev.Start,
			EndAt:      ev.End,
		})
		if err != nil {
			s.logger.Error("Failed to ingest fault event",
				zap.String("host", host),
				zap.Int64("ext_event_id", ev.ID),
				zap.Error(err),
			)
			continue
		}
		s.ingest.MarkSeen(ctx, host, b.Table, ev.ID)
		if created {
			s.logger.Info("Mission created from fault event",
				zap.String("host", host),
				zap.String("table", b.Table),
				zap.Int64("ext_event_id", ev.ID),
				zap.String("device_id", device.DeviceID),
			)
		} else if inserted {
			s.logger.Info("Fault event attached to open mission",
				zap.String("host", host),
				zap.Int64("ext_event_id", ev.ID),
				zap.String("device_id", device.DeviceID),
			)
		}
	}

	if watermark.After(since) {
		s.ingest.SetWatermark(ctx, host, b.Table, watermark)
	}
	return nil
}

// ============================================================================
// Pass 7: 派工
// ============================================================================

// dispatch 待派任务按优先级排序，逐个挑最合适的空闲工人指派
// 无人可派的任务标记孤立并广播（只广播一次）
func (s *Scheduler) dispatch(ctx context.Context) error {
	now := time.Now()

	shift, err := s.shifts.CurrentShift(ctx, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	shiftStart := repository.ShiftStart(shift, now)

	pending, err := s.missions.ListPendingMissionFacts(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	byID := make(map[string]repository.PendingMissionFacts, len(pending))
	missionFacts := make([]ranking.MissionFacts, 0, len(pending))
	for _, p := range pending {
		// 归巢任务由 idleHoming 直接指派，不参与排队
		if p.IsRescue {
			continue
		}
		byID[p.MissionID] = p
		missionFacts = append(missionFacts, ranking.MissionFacts{
			MissionID:        p.MissionID,
			RejectCount:      p.RejectCount,
			CreatedAt:        p.CreatedAt,
			ProcessStage:     p.ProcessStage,
			CategoryPriority: p.CategoryPriority,
			CategoryCount:    p.CategoryCount,
		})
	}

	graphs := make(map[string]*models.DistanceGraph)
	assignedThisTick := make(map[string]bool)

	for _, missionID := range ranking.RankMissions(missionFacts) {
		p := byID[missionID]

		candidates, err := s.workers.ListCandidateFacts(ctx, p.DeviceID, missionID, shift.ShiftID, p.WhitelistOnly, shiftStart)
		if err != nil {
			s.logger.Error("Failed to list candidate workers",
				zap.String("mission_id", missionID),
				zap.Error(err),
			)
			continue
		}

		if _, ok := graphs[p.WorkshopID]; !ok {
			g, err := s.devices.LoadDistanceGraph(ctx, p.WorkshopID)
			if err != nil {
				s.logger.Error("Failed to load distance graph",
					zap.String("workshop_id", p.WorkshopID),
					zap.Error(err),
				)
				continue
			}
			graphs[p.WorkshopID] = g
		}

		workerFacts := make([]ranking.WorkerFacts, 0, len(candidates))
		for _, c := range candidates {
			if assignedThisTick[c.Badge] {
				continue
			}
			// 位置未知或不可达的工人排在最后
			distance := math.Inf(1)
			if c.DeviceID != nil {
				if d, ok := graphs[p.WorkshopID].Distance(*c.DeviceID, p.DeviceID); ok {
					distance = d
				}
			}
			workerFacts = append(workerFacts, ranking.WorkerFacts{
				Badge:            c.Badge,
				Distance:         distance,
				SkillLevel:       c.SkillLevel,
				FinishEventAt:    c.FinishEventAt,
				ShiftAssignCount: c.ShiftAssignCount,
			})
		}

		if len(workerFacts) == 0 {
			if _, err := s.control.MarkLonely(ctx, missionID); err != nil {
				s.logger.Error("Failed to mark mission lonely",
					zap.String("mission_id", missionID),
					zap.Error(err),
				)
			}
			continue
		}

		for _, badge := range ranking.RankWorkers(workerFacts, now) {
			_, err := s.control.Assign(ctx, missionID, badge, models.AuditActorScheduler)
			if err == nil {
				assignedThisTick[badge] = true
				s.logger.Info("Mission dispatched",
					zap.String("mission_id", missionID),
					zap.String("badge", badge),
				)
				break
			}
			switch lifecycle.KindOf(err) {
			case lifecycle.KindWorkerUnavailable:
				// 与工人侧操作交错，换下一个候选
				continue
			case lifecycle.KindAlreadyAssigned, lifecycle.KindAlreadyClosed:
				// 任务已被并发处理，不再尝试
			default:
				s.logger.Error("Failed to assign mission",
					zap.String("mission_id", missionID),
					zap.String("badge", badge),
					zap.Error(err),
				)
			}
			break
		}
	}
	return nil
}
