// Package scheduler 派工调度循环。
// 固定间隔逐一执行有序的巡检遍（pass），每遍自己的事务边界，
// 单遍失败记日志后继续后面的遍。同一部署只允许一个调度实例。
package scheduler

import (
	"context"
	"time"

	"foxlink-dispatch/internal/faultsource"
	"foxlink-dispatch/internal/lifecycle"
	"foxlink-dispatch/internal/models"
	"foxlink-dispatch/internal/repository"

	"go.uber.org/zap"
)

// Lifecycle 生命周期控制器接口（调度侧）
type Lifecycle interface {
	Assign(ctx context.Context, missionID, badge, actor string) (lifecycle.Result, error)
	AutoReject(ctx context.Context, missionID, badge string) (lifecycle.Result, error)
	AutoClose(ctx context.Context, missionID string) (lifecycle.Result, error)
	ShiftSwap(ctx context.Context, missionID string) (lifecycle.Result, error)
	MarkOvertime(ctx context.Context, missionID string, thresholdMinutes, elapsedMinutes int) (lifecycle.Result, error)
	MarkLonely(ctx context.Context, missionID string) (lifecycle.Result, error)
	ResetShiftCounters(ctx context.Context, shiftID string, shiftStart time.Time) (lifecycle.Result, error)
	IngestEvent(ctx context.Context, device *models.Device, event *models.MissionEvent) (bool, bool, error)
	CreateRescueMission(ctx context.Context, badge, rescueDeviceID string) (*models.Mission, error)
	SnapWorkerToDevice(ctx context.Context, badge, deviceID string) error
}

// MissionQueries 任务查询接口
type MissionQueries interface {
	ListAutoCloseCandidates(ctx context.Context) ([]*models.Mission, error)
	ListInProgress(ctx context.Context) ([]*models.Mission, error)
	ListAssignedUnaccepted(ctx context.Context) ([]*models.Mission, error)
	ListPendingMissionFacts(ctx context.Context) ([]repository.PendingMissionFacts, error)
}

// EventQueries 任务事件查询接口
type EventQueries interface {
	ListOpenEvents(ctx context.Context) ([]*models.MissionEvent, error)
	SetEventEnd(ctx context.Context, eventID string, endAt time.Time) error
	MaxWatermark(ctx context.Context, host, table string) (time.Time, error)
}

// WorkerQueries 工人查询接口
type WorkerQueries interface {
	GetWorker(ctx context.Context, badge string) (*models.Worker, error)
	ListIdleWorkers(ctx context.Context, shiftID string) ([]*models.Worker, error)
	ListCandidateFacts(ctx context.Context, deviceID, missionID, shiftID string, whitelistOnly bool, shiftStart time.Time) ([]repository.CandidateFacts, error)
}

// DeviceQueries 设备查询接口
type DeviceQueries interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListRescueDevices(ctx context.Context, workshopID string) ([]*models.Device, error)
	LoadDistanceGraph(ctx context.Context, workshopID string) (*models.DistanceGraph, error)
	MapExtDevice(ctx context.Context, extName string) (*models.Device, error)
}

// ShiftQueries 班次查询接口
type ShiftQueries interface {
	CurrentShift(ctx context.Context, now time.Time) (*models.Shift, error)
}

// FaultClient 单个事件源 host 的客户端接口
type FaultClient interface {
	Host() string
	ListRecentEvents(ctx context.Context, table string, since time.Time) ([]faultsource.Event, error)
	GetEvent(ctx context.Context, table string, id int64) (*faultsource.Event, error)
}

// IngestState 摄取状态接口（水位 + 去重快路径）
type IngestState interface {
	Watermark(ctx context.Context, host, table string) (time.Time, bool)
	SetWatermark(ctx context.Context, host, table string, watermark time.Time)
	Seen(ctx context.Context, host, table string, id int64) bool
	MarkSeen(ctx context.Context, host, table string, id int64)
}

// SourceBinding 事件源绑定：客户端 + 事件表
type SourceBinding struct {
	Client FaultClient
	Table  string
}

// Options 调度参数
type Options struct {
	TickInterval       time.Duration
	IdleHomingAfter    time.Duration
	AcceptTimeout      time.Duration
	OvertimeThresholds []int // 分钟，升序
	CategoryMin        int
	CategoryMax        int
}

// Scheduler 派工调度器
type Scheduler struct {
	opts     Options
	control  Lifecycle
	missions MissionQueries
	events   EventQueries
	workers  WorkerQueries
	devices  DeviceQueries
	shifts   ShiftQueries
	sources  []SourceBinding
	ingest   IngestState
	logger   *zap.Logger
}

// NewScheduler 创建调度器
func NewScheduler(
	opts Options,
	control Lifecycle,
	missions MissionQueries,
	events EventQueries,
	workers WorkerQueries,
	devices DeviceQueries,
	shifts ShiftQueries,
	sources []SourceBinding,
	ingest IngestState,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		opts:     opts,
		control:  control,
		missions: missions,
		events:   events,
		workers:  workers,
		devices:  devices,
		shifts:   shifts,
		sources:  sources,
		ingest:   ingest,
		logger:   logger,
	}
}

// Start 启动调度循环（阻塞直到 ctx 取消）
// tick 在循环 goroutine 内联执行，天然不重叠：超时的 tick 只会推迟下一个
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Dispatch scheduler started",
		zap.Duration("tick_interval", s.opts.TickInterval),
		zap.Int("fault_sources", len(s.sources)),
	)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	// 立即执行一次
	s.RunTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dispatch scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick 执行一个 tick 的全部巡检遍
// 单遍失败只记日志，不影响同一 tick 内后面的遍
func (s *Scheduler) RunTick(ctx context.Context) {
	started := time.Now()

	passes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"event_sync", s.syncEventCompletion},
		{"auto_close", s.autoClose},
		{"shift_swap", s.shiftSwapSweep},
		{"idle_homing", s.idleHoming},
		{"overtime", s.overtimeChecks},
		{"ingest", s.ingestFaultEvents},
		{"dispatch", s.dispatch},
	}

	for _, pass := range passes {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := pass.fn(ctx); err != nil {
			s.logger.Error("Scheduler pass failed",
				zap.String("pass", pass.name),
				zap.Error(err),
			)
			// 继续执行后面的遍，不中断
		}
	}

	s.logger.Debug("Scheduler tick completed",
		zap.Duration("elapsed", time.Since(started)),
	)
}
