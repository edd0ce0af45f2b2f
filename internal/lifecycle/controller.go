package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"
	"foxlink-dispatch/internal/repository"

	"go.uber.org/zap"
)

// maxSuperiorHops 上级链查找跳数上限（原始数据可能成环）
const maxSuperiorHops = 3

// Notices 生命周期事件通知（尽力而为，在事务提交后发送）
type Notices interface {
	MissionAssigned(badge string, mission *models.Mission)
	MissionLonely(workshopID string, mission *models.Mission)
	MissionOvertime(superiorBadge, missionID, workerBadge string, minutes int)
	RejectEscalate(workshopID, missionID string, count int)
	WorkerEscalate(superiorBadge, workerBadge string, count int)
	Emergency(superiorBadge string, mission *models.Mission, workerBadge string)
	AcceptTimeout(badge, missionID string)
}

// Thresholds 生命周期相关阈值
type Thresholds struct {
	MissionRejectAlert int // 单任务累计拒单告警阈值
	WorkerRejectAlert  int // 工人单班拒单告警阈值
}

// Controller 任务生命周期控制器
// 每个操作一个事务：任务行 + 工人行 + 审计日志一起提交；
// 事务内先加行锁再校验前置条件（check-then-act），
// 外部 API 调用与调度循环交错时靠它保证一致
type Controller struct {
	db         *sql.DB
	missions   *repository.MissionRepository
	events     *repository.MissionEventRepository
	workers    *repository.WorkerRepository
	devices    *repository.DeviceRepository
	shifts     *repository.ShiftRepository
	audit      *repository.AuditRepository
	notices    Notices
	thresholds Thresholds
	logger     *zap.Logger
}

// NewController 创建生命周期控制器
func NewController(
	db *sql.DB,
	missions *repository.MissionRepository,
	events *repository.MissionEventRepository,
	workers *repository.WorkerRepository,
	devices *repository.DeviceRepository,
	shifts *repository.ShiftRepository,
	audit *repository.AuditRepository,
	notices Notices,
	thresholds Thresholds,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		db:         db,
		missions:   missions,
		events:     events,
		workers:    workers,
		devices:    devices,
		shifts:     shifts,
		audit:      audit,
		notices:    notices,
		thresholds: thresholds,
		logger:     logger,
	}
}

// lockMission 事务内加锁读取任务，统一 NotFound 翻译
func (c *Controller) lockMission(ctx context.Context, tx *sql.Tx, missionID string) (*models.Mission, error) {
	m, err := c.missions.GetMissionForUpdate(ctx, tx, missionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domainErrorf(KindNotFound, "mission %s not found", missionID)
		}
		return nil, err
	}
	return m, nil
}

// lockWorker 事务内加锁读取工人，统一 NotFound 翻译
func (c *Controller) lockWorker(ctx context.Context, tx *sql.Tx, badge string) (*models.Worker, error) {
	w, err := c.workers.GetWorkerForUpdate(ctx, tx, badge)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domainErrorf(KindNotFound, "worker %s not found", badge)
		}
		return nil, err
	}
	return w, nil
}

// requireOwner 校验操作者就是任务的指派工人
func requireOwner(m *models.Mission, badge string) error {
	if m.WorkerBadge == nil || *m.WorkerBadge != badge {
		return domainErrorf(KindNotOwner, "mission %s is not assigned to worker %s", m.MissionID, badge)
	}
	return nil
}

// Assign 指派任务给工人
// 前置：任务未关闭且未指派；工人空闲、在当前班次且对设备有技能
// （归巢任务免班次与技能检查：归巢只派给工人本人）
func (c *Controller) Assign(ctx context.Context, missionID, badge, actor string) (Result, error) {
	var assigned *models.Mission

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if m.Assigned() {
			return domainErrorf(KindAlreadyAssigned, "mission %s already assigned to %s", missionID, *m.WorkerBadge)
		}

		w, err := c.lockWorker(ctx, tx, badge)
		if err != nil {
			return err
		}
		if w.Status != models.WorkerStatusIdle {
			return domainErrorf(KindWorkerUnavailable, "worker %s status is %s", badge, w.Status)
		}
		if !m.IsRescue {
			shift, err := c.shifts.CurrentShift(ctx, time.Now())
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domainErrorf(KindWorkerUnavailable, "no shift active")
				}
				return err
			}
			if w.ShiftID != shift.ShiftID {
				return domainErrorf(KindWorkerUnavailable, "worker %s is off shift %s", badge, shift.ShiftID)
			}
			level, err := c.workers.SkillLevel(ctx, tx, badge, m.DeviceID)
			if err != nil {
				return err
			}
			if level <= 0 {
				return domainErrorf(KindWorkerUnavailable, "worker %s has no skill for device %s", badge, m.DeviceID)
			}
		}

		now := time.Now()
		if err := c.missions.SetAssigned(ctx, tx, missionID, badge, now); err != nil {
			return err
		}
		if err := c.workers.SetStatus(ctx, tx, badge, models.WorkerStatusNotice); err != nil {
			return err
		}
		if _, err := c.audit.Append(ctx, tx, models.AuditMissionAssigned, "missions", missionID, actor,
			fmt.Sprintf("assigned to worker %s", badge)); err != nil {
			return err
		}

		m.WorkerBadge = &badge
		m.NotifySentAt = &now
		m.IsLonely = false
		assigned = m
		return nil
	})
	if err != nil {
		return ResultApplied, err
	}

	c.notices.MissionAssigned(badge, assigned)
	return ResultApplied, nil
}

// Accept 工人接单
// 重复接单是良性空转，返回 NoOp 而不是错误
func (c *Controller) Accept(ctx context.Context, missionID, badge string) (Result, error) {
	result := ResultApplied

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if err := requireOwner(m, badge); err != nil {
			return err
		}
		if m.Started() {
			return domainErrorf(KindInvalidState, "mission %s already started", missionID)
		}
		if m.Accepted() {
			result = ResultNoOp
			return nil
		}

		if err := c.missions.SetAccepted(ctx, tx, missionID, time.Now()); err != nil {
			return err
		}
		if err := c.workers.SetStatus(ctx, tx, badge, models.WorkerStatusMoving); err != nil {
			return err
		}
		_, err = c.audit.Append(ctx, tx, models.AuditMissionAccepted, "missions", missionID, badge, "")
		return err
	})
	return result, err
}

// Start 工人到场开工
// 归巢（救援站）任务允许不经接单直接开工
func (c *Controller) Start(ctx context.Context, missionID, badge string) (Result, error) {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if err := requireOwner(m, badge); err != nil {
			return err
		}
		if m.Started() {
			return domainErrorf(KindInvalidState, "mission %s already started", missionID)
		}
		if !m.Accepted() && !m.IsRescue {
			device, err := c.devices.GetDevice(ctx, m.DeviceID)
			if err != nil || !device.IsRescue {
				return domainErrorf(KindInvalidState, "mission %s not accepted", missionID)
			}
		}

		if err := c.missions.SetStarted(ctx, tx, missionID, time.Now()); err != nil {
			return err
		}
		if err := c.workers.SetStatus(ctx, tx, badge, models.WorkerStatusWorking); err != nil {
			return err
		}
		// 工人到场即更新位置
		if err := c.workers.SetLocation(ctx, tx, badge, m.DeviceID); err != nil {
			return err
		}
		if err := c.workers.IncrementStartCount(ctx, tx, badge); err != nil {
			return err
		}
		_, err = c.audit.Append(ctx, tx, models.AuditMissionStarted, "missions", missionID, badge, "")
		return err
	})
	return ResultApplied, err
}

// Reject 工人拒单
// 拒单记录只追加不删除；累计拒单或工人本班拒单过阈值时升级告警，
// 审计存在性守卫保证每次越阈只告警一次
func (c *Controller) Reject(ctx context.Context, missionID, badge string) (Result, error) {
	return c.reject(ctx, missionID, badge, badge, models.AuditMissionRejected, "")
}

func (c *Controller) reject(ctx context.Context, missionID, badge, actor, action, description string) (Result, error) {
	var (
		missionCount   int
		workerCount    int
		escalateReject bool
		escalateWorker bool
		deviceID       string
	)

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if err := requireOwner(m, badge); err != nil {
			return err
		}
		if m.Started() {
			return domainErrorf(KindInvalidState, "mission %s already started", missionID)
		}
		deviceID = m.DeviceID

		if _, err := c.lockWorker(ctx, tx, badge); err != nil {
			return err
		}

		now := time.Now()
		if err := c.missions.ClearAssignment(ctx, tx, missionID); err != nil {
			return err
		}
		if err := c.missions.AppendRejection(ctx, tx, missionID, badge, now); err != nil {
			return err
		}
		if err := c.workers.SetIdle(ctx, tx, badge, now); err != nil {
			return err
		}
		workerCount, err = c.workers.IncrementRejectCount(ctx, tx, badge)
		if err != nil {
			return err
		}
		missionCount, err = c.missions.CountRejections(ctx, tx, missionID)
		if err != nil {
			return err
		}

		// 任务累计拒单越阈：车间级告警（一次）
		if missionCount >= c.thresholds.MissionRejectAlert {
			exists, err := c.audit.ExistsTx(ctx, tx, models.AuditRejectEscalated, missionID)
			if err != nil {
				return err
			}
			if !exists {
				if _, err := c.audit.Append(ctx, tx, models.AuditRejectEscalated, "missions", missionID, actor,
					fmt.Sprintf("reject count reached %d", missionCount)); err != nil {
					return err
				}
				escalateReject = true
			}
		}

		// 工人本班拒单越阈：上级告警（每班一次）
		// 计数每班清零，越阈每班都可能重现，守卫限定在本班窗口内
		if workerCount >= c.thresholds.WorkerRejectAlert {
			since := time.Unix(0, 0)
			if shift, serr := c.shifts.CurrentShift(ctx, now); serr == nil {
				since = repository.ShiftStart(shift, now)
			} else if !errors.Is(serr, sql.ErrNoRows) {
				return serr
			}
			exists, err := c.audit.ExistsSinceTx(ctx, tx, models.AuditWorkerEscalated, badge, since)
			if err != nil {
				return err
			}
			if !exists {
				if _, err := c.audit.Append(ctx, tx, models.AuditWorkerEscalated, "workers", badge, actor,
					fmt.Sprintf("shift reject count reached %d", workerCount)); err != nil {
					return err
				}
				escalateWorker = true
			}
		}

		_, err = c.audit.Append(ctx, tx, action, "missions", missionID, actor, description)
		return err
	})
	if err != nil {
		return ResultApplied, err
	}

	if escalateReject {
		if device, derr := c.devices.GetDevice(ctx, deviceID); derr == nil {
			c.notices.RejectEscalate(device.WorkshopID, missionID, missionCount)
		} else {
			c.logger.Warn("Failed to resolve workshop for reject escalation",
				zap.String("mission_id", missionID),
				zap.Error(derr),
			)
		}
	}
	if escalateWorker {
		superior, serr := c.workers.FindSuperior(ctx, badge, maxSuperiorHops)
		if serr != nil {
			c.logger.Warn("Failed to resolve superior for reject escalation",
				zap.String("badge", badge),
				zap.Error(serr),
			)
		} else if superior != nil {
			c.notices.WorkerEscalate(superior.Badge, badge, workerCount)
		}
	}
	return ResultApplied, nil
}

// Finish 工人完成维修
func (c *Controller) Finish(ctx context.Context, missionID, badge string) (Result, error) {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if err := requireOwner(m, badge); err != nil {
			return err
		}
		if !m.Started() {
			return domainErrorf(KindInvalidState, "mission %s not started", missionID)
		}

		now := time.Now()
		if err := c.missions.Close(ctx, tx, missionID, models.DoneReasonFinish, now); err != nil {
			return err
		}
		if err := c.workers.SetIdle(ctx, tx, badge, now); err != nil {
			return err
		}
		_, err = c.audit.Append(ctx, tx, models.AuditMissionFinished, "missions", missionID, badge, "")
		return err
	})
	return ResultApplied, err
}

// Cancel 管理员取消任务；若已有指派工人则释放回空闲
func (c *Controller) Cancel(ctx context.Context, missionID, actor string) (Result, error) {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}

		now := time.Now()
		if err := c.missions.Close(ctx, tx, missionID, models.DoneReasonCancel, now); err != nil {
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
		_, err = c.audit.Append(ctx, tx, models.AuditMissionCancelled, "missions", missionID, actor, "")
		return err
	})
	return ResultApplied, err
}

// Escalate 工人请求支援：标记紧急并通知上级
// 重复请求是良性空转
func (c *Controller) Escalate(ctx context.Context, missionID, badge string) (Result, error) {
	result := ResultApplied
	var mission *models.Mission

	err := c.inTx(ctx, func(tx *sql.Tx) error {
		m, err := c.lockMission(ctx, tx, missionID)
		if err != nil {
			return err
		}
		if m.IsDone {
			return domainErrorf(KindAlreadyClosed, "mission %s is closed", missionID)
		}
		if err := requireOwner(m, badge); err != nil {
			return err
		}
		if m.IsRescue {
			return domainErrorf(KindInvalidState, "rescue mission %s cannot be escalated", missionID)
		}
		if m.IsEmergency {
			result = ResultNoOp
			return nil
		}

		if err := c.missions.SetEmergency(ctx, tx, missionID); err != nil {
			return err
		}
		if _, err := c.audit.Append(ctx, tx, models.AuditMissionEmergency, "missions", missionID, badge, ""); err != nil {
			return err
		}
		mission = m
		return nil
	})
	if err != nil || result == ResultNoOp {
		return result, err
	}

	superior, serr := c.workers.FindSuperior(ctx, badge, maxSuperiorHops)
	if serr != nil {
		c.logger.Warn("Failed to resolve superior for emergency",
			zap.String("badge", badge),
			zap.Error(serr),
		)
	} else if superior != nil {
		c.notices.Emergency(superior.Badge, mission, badge)
	}
	return ResultApplied, nil
}

// inTx 在单个事务内执行 fn；领域错误和基础设施错误都会回滚
func (c *Controller) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
