package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"foxlink-dispatch/internal/models"

	"go.uber.org/zap"
)

// WorkerRepository 工人仓库
type WorkerRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewWorkerRepository 创建工人仓库
func NewWorkerRepository(db *sql.DB, logger *zap.Logger) *WorkerRepository {
	return &WorkerRepository{
		db:     db,
		logger: logger,
	}
}

const workerColumns = `
	badge, name, workshop_id, shift_id, status, device_id, finish_event_at,
	shift_start_count, shift_reject_count, superior_badge`

func scanWorker(row interface{ Scan(...any) error }) (*models.Worker, error) {
	var w models.Worker
	if err := row.Scan(
		&w.Badge, &w.Name, &w.WorkshopID, &w.ShiftID, &w.Status, &w.DeviceID, &w.FinishEventAt,
		&w.ShiftStartCount, &w.ShiftRejectCount, &w.SuperiorBadge,
	); err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorker 根据工号获取工人
func (r *WorkerRepository) GetWorker(ctx context.Context, badge string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE badge = $1`

	w, err := scanWorker(r.db.QueryRowContext(ctx, query, badge))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("worker not found: %s", badge)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// GetWorkerForUpdate 在事务内加行锁读取工人
func (r *WorkerRepository) GetWorkerForUpdate(ctx context.Context, tx *sql.Tx, badge string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE badge = $1 FOR UPDATE`

	w, err := scanWorker(tx.QueryRowContext(ctx, query, badge))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to lock worker: %w", err)
	}
	return w, nil
}

// SetStatus 设置工人状态
func (r *WorkerRepository) SetStatus(ctx context.Context, tx *sql.Tx, badge, status string) error {
	query := `UPDATE workers SET status = $2 WHERE badge = $1`

	if _, err := tx.ExecContext(ctx, query, badge, status); err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return nil
}

// SetIdle 释放工人：回到空闲并记录空闲起点
func (r *WorkerRepository) SetIdle(ctx context.Context, tx *sql.Tx, badge string, now time.Time) error {
	query := `UPDATE workers SET status = $2, finish_event_at = $3 WHERE badge = $1`

	if _, err := tx.ExecContext(ctx, query, badge, models.WorkerStatusIdle, now); err != nil {
		return fmt.Errorf("failed to set worker idle: %w", err)
	}
	return nil
}

// IncrementStartCount 开工计数 +1
func (r *WorkerRepository) IncrementStartCount(ctx context.Context, tx *sql.Tx, badge string) error {
	query := `UPDATE workers SET shift_start_count = shift_start_count + 1 WHERE badge = $1`

	if _, err := tx.ExecContext(ctx, query, badge); err != nil {
		return fmt.Errorf("failed to increment start count: %w", err)
	}
	return nil
}

// IncrementRejectCount 拒单计数 +1，返回更新后的值（阈值判断用）
func (r *WorkerRepository) IncrementRejectCount(ctx context.Context, tx *sql.Tx, badge string) (int, error) {
	query := `
		UPDATE workers SET shift_reject_count = shift_reject_count + 1
		WHERE badge = $1
		RETURNING shift_reject_count`

	var count int
	if err := tx.QueryRowContext(ctx, query, badge).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to increment reject count: %w", err)
	}
	return count, nil
}

// ResetShiftCounters 换班时清零全部工人的本班计数
// 与"每班只清一次"的审计守卫同一事务
func (r *WorkerRepository) ResetShiftCounters(ctx context.Context, tx *sql.Tx) error {
	query := `UPDATE workers SET shift_start_count = 0, shift_reject_count = 0`

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to reset shift counters: %w", err)
	}
	return nil
}

// SetLocation 更新工人当前位置（开工到场 / 位置丢失后吸附到救援站）
func (r *WorkerRepository) SetLocation(ctx context.Context, tx *sql.Tx, badge, deviceID string) error {
	query := `UPDATE workers SET device_id = $2 WHERE badge = $1`

	if _, err := tx.ExecContext(ctx, query, badge, deviceID); err != nil {
		return fmt.Errorf("failed to set worker location: %w", err)
	}
	return nil
}

// SkillLevel 工人对设备的技能等级（无记录 = 0，不可派）
func (r *WorkerRepository) SkillLevel(ctx context.Context, tx *sql.Tx, badge, deviceID string) (int, error) {
	query := `
		SELECT COALESCE(
			(SELECT level FROM worker_skills WHERE badge = $1 AND device_id = $2), 0)`

	var level int
	if err := tx.QueryRowContext(ctx, query, badge, deviceID).Scan(&level); err != nil {
		return 0, fmt.Errorf("failed to get skill level: %w", err)
	}
	return level, nil
}

// CandidateFacts 候选工人及其排序要素
type CandidateFacts struct {
	Badge            string
	DeviceID         *string // 当前位置（可能为空）
	SkillLevel       int
	FinishEventAt    *time.Time
	ShiftAssignCount int
}

// ListCandidateFacts 列出某待派任务的候选工人：
//   - 任务所在车间、当前班次、状态空闲、对设备技能 > 0
//   - 未拒过这个任务
//   - 白名单设备只允许白名单工人；白名单工人不派往普通设备
//
// 同时带出排序要素：位置、技能、空闲起点、本班已派任务数
func (r *WorkerRepository) ListCandidateFacts(ctx context.Context, deviceID, missionID, shiftID string, whitelistOnly bool, shiftStart time.Time) ([]CandidateFacts, error) {
	query := `
		SELECT
			w.badge,
			w.device_id,
			s.level,
			w.finish_event_at,
			(SELECT COUNT(*) FROM missions m
			 WHERE m.worker_badge = w.badge AND m.notify_sent_at >= $5) AS shift_assign_count
		FROM workers w
		JOIN worker_skills s ON s.badge = w.badge AND s.device_id = $1 AND s.level > 0
		WHERE w.workshop_id = (SELECT d.workshop_id FROM devices d WHERE d.device_id = $1)
		  AND w.shift_id = $3
		  AND w.status = 'idle'
		  AND NOT EXISTS (
			SELECT 1 FROM mission_rejections r
			WHERE r.mission_id = $2 AND r.worker_badge = w.badge
		  )
		  AND (
			($4 AND EXISTS (
				SELECT 1 FROM device_whitelist dw
				WHERE dw.device_id = $1 AND dw.badge = w.badge))
			OR
			(NOT $4 AND NOT EXISTS (
				SELECT 1 FROM device_whitelist dw WHERE dw.badge = w.badge))
		  )
		ORDER BY w.badge`

	rows, err := r.db.QueryContext(ctx, query, deviceID, missionID, shiftID, whitelistOnly, shiftStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate workers: %w", err)
	}
	defer rows.Close()

	var facts []CandidateFacts
	for rows.Next() {
		var f CandidateFacts
		if err := rows.Scan(
			&f.Badge, &f.DeviceID, &f.SkillLevel, &f.FinishEventAt, &f.ShiftAssignCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan candidate facts: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// ListIdleWorkers 当前班次的空闲工人（归巢检查）
func (r *WorkerRepository) ListIdleWorkers(ctx context.Context, shiftID string) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + `
		FROM workers
		WHERE shift_id = $1 AND status = 'idle'
		ORDER BY badge`

	rows, err := r.db.QueryContext(ctx, query, shiftID)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// FindSuperior 沿上级链查找有效上级（弱引用，限制跳数防成环）
func (r *WorkerRepository) FindSuperior(ctx context.Context, badge string, maxHops int) (*models.Worker, error) {
	visited := map[string]bool{badge: true}
	current := badge

	for hop := 0; hop < maxHops; hop++ {
		w, err := r.GetWorker(ctx, current)
		if err != nil {
			return nil, err
		}
		if w.SuperiorBadge == nil || *w.SuperiorBadge == "" {
			return nil, nil
		}
		superior := *w.SuperiorBadge
		if visited[superior] {
			// 原始数据可能成环，直接放弃
			return nil, nil
		}
		visited[superior] = true

		s, err := r.GetWorker(ctx, superior)
		if err != nil {
			return nil, err
		}
		if s.Status != models.WorkerStatusLeave {
			return s, nil
		}
		current = superior
	}
	return nil, nil
}
