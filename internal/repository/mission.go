package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"foxlink-dispatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MissionRepository 任务仓库
// 读操作走连接池；参与生命周期事务的写操作显式接收 *sql.Tx
type MissionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMissionRepository 创建任务仓库
func NewMissionRepository(db *sql.DB, logger *zap.Logger) *MissionRepository {
	return &MissionRepository{
		db:     db,
		logger: logger,
	}
}

const missionColumns = `
	mission_id, device_id, name, description, required_skills, worker_badge,
	is_done, is_done_finish, is_done_cancel, is_done_shift, is_done_cure,
	is_emergency, is_overtime, is_lonely, is_rescue,
	created_at, notify_sent_at, notify_received_at, accept_received_at,
	repair_begin_at, repair_end_at`

// scanMission 扫描单行任务
func scanMission(row interface{ Scan(...any) error }) (*models.Mission, error) {
	var m models.Mission
	var skills string
	if err := row.Scan(
		&m.MissionID, &m.DeviceID, &m.Name, &m.Description, &skills, &m.WorkerBadge,
		&m.IsDone, &m.IsDoneFinish, &m.IsDoneCancel, &m.IsDoneShift, &m.IsDoneCure,
		&m.IsEmergency, &m.IsOvertime, &m.IsLonely, &m.IsRescue,
		&m.CreatedAt, &m.NotifySentAt, &m.NotifyRecvAt, &m.AcceptRecvAt,
		&m.RepairBeginAt, &m.RepairEndAt,
	); err != nil {
		return nil, err
	}
	if skills != "" {
		m.RequiredSkills = strings.Split(skills, ",")
	}
	return &m, nil
}

// GetMission 根据 mission_id 获取任务
func (r *MissionRepository) GetMission(ctx context.Context, missionID string) (*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE mission_id = $1`

	m, err := scanMission(r.db.QueryRowContext(ctx, query, missionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mission not found: %s", missionID)
		}
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	return m, nil
}

// GetMissionForUpdate 在事务内加行锁读取任务（check-then-act 的前提）
func (r *MissionRepository) GetMissionForUpdate(ctx context.Context, tx *sql.Tx, missionID string) (*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE mission_id = $1 FOR UPDATE`

	m, err := scanMission(tx.QueryRowContext(ctx, query, missionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to lock mission: %w", err)
	}
	return m, nil
}

// GetOpenMissionByDevice 获取设备当前未关闭的任务（每台设备至多一个）
func (r *MissionRepository) GetOpenMissionByDevice(ctx context.Context, deviceID string) (*models.Mission, error) {
	query := `SELECT ` + missionColumns + `
		FROM missions
		WHERE device_id = $1 AND is_done = FALSE AND repair_end_at IS NULL
		ORDER BY created_at
		LIMIT 1`

	m, err := scanMission(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open mission for device %s: %w", deviceID, err)
	}
	return m, nil
}

// CreateMission 创建任务（事件摄取或归巢合成）
func (r *MissionRepository) CreateMission(ctx context.Context, tx *sql.Tx, m *models.Mission) error {
	if m.MissionID == "" {
		m.MissionID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO missions (
			mission_id, device_id, name, description, required_skills, worker_badge,
			is_done, is_done_finish, is_done_cancel, is_done_shift, is_done_cure,
			is_emergency, is_overtime, is_lonely, is_rescue,
			created_at, notify_sent_at, notify_received_at, accept_received_at,
			repair_begin_at, repair_end_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21
		)`

	_, err := tx.ExecContext(ctx, query,
		m.MissionID, m.DeviceID, m.Name, m.Description,
		strings.Join(m.RequiredSkills, ","), m.WorkerBadge,
		m.IsDone, m.IsDoneFinish, m.IsDoneCancel, m.IsDoneShift, m.IsDoneCure,
		m.IsEmergency, m.IsOvertime, m.IsLonely, m.IsRescue,
		m.CreatedAt, m.NotifySentAt, m.NotifyRecvAt, m.AcceptRecvAt,
		m.RepairBeginAt, m.RepairEndAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create mission: %w", err)
	}
	return nil
}

// SetAssigned 指派工人（清除 is_lonely）
func (r *MissionRepository) SetAssigned(ctx context.Context, tx *sql.Tx, missionID, badge string, now time.Time) error {
	query := `
		UPDATE missions
		SET worker_badge = $2, notify_sent_at = $3, is_lonely = FALSE
		WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID, badge, now); err != nil {
		return fmt.Errorf("failed to assign mission: %w", err)
	}
	return nil
}

// SetAccepted 记录接单时间
func (r *MissionRepository) SetAccepted(ctx context.Context, tx *sql.Tx, missionID string, now time.Time) error {
	query := `
		UPDATE missions
		SET accept_received_at = $2, notify_received_at = $2
		WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID, now); err != nil {
		return fmt.Errorf("failed to accept mission: %w", err)
	}
	return nil
}

// SetStarted 记录开工时间
func (r *MissionRepository) SetStarted(ctx context.Context, tx *sql.Tx, missionID string, now time.Time) error {
	query := `UPDATE missions SET repair_begin_at = $2 WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID, now); err != nil {
		return fmt.Errorf("failed to start mission: %w", err)
	}
	return nil
}

// ClearAssignment 拒单：清除工人与通知/接单/开工时间戳
func (r *MissionRepository) ClearAssignment(ctx context.Context, tx *sql.Tx, missionID string) error {
	query := `
		UPDATE missions
		SET worker_badge = NULL, notify_sent_at = NULL, notify_received_at = NULL,
		    accept_received_at = NULL, repair_begin_at = NULL
		WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID); err != nil {
		return fmt.Errorf("failed to clear mission assignment: %w", err)
	}
	return nil
}

// Close 关闭任务（完成原因四选一；is_done 一旦置位字段即冻结）
func (r *MissionRepository) Close(ctx context.Context, tx *sql.Tx, missionID, reason string, now time.Time) error {
	var column string
	switch reason {
	case models.DoneReasonFinish:
		column = "is_done_finish"
	case models.DoneReasonCancel:
		column = "is_done_cancel"
	case models.DoneReasonShift:
		column = "is_done_shift"
	case models.DoneReasonCure:
		column = "is_done_cure"
	default:
		return fmt.Errorf("unknown done reason: %s", reason)
	}

	// is_done = FALSE 条件使关闭天然幂等
	query := fmt.Sprintf(`
		UPDATE missions
		SET is_done = TRUE, %s = TRUE, repair_end_at = $2
		WHERE mission_id = $1 AND is_done = FALSE`, column)

	if _, err := tx.ExecContext(ctx, query, missionID, now); err != nil {
		return fmt.Errorf("failed to close mission: %w", err)
	}
	return nil
}

// SetEmergency 标记紧急（请求支援）
func (r *MissionRepository) SetEmergency(ctx context.Context, tx *sql.Tx, missionID string) error {
	query := `UPDATE missions SET is_emergency = TRUE WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID); err != nil {
		return fmt.Errorf("failed to mark mission emergency: %w", err)
	}
	return nil
}

// SetOvertime 标记超时
func (r *MissionRepository) SetOvertime(ctx context.Context, tx *sql.Tx, missionID string) error {
	query := `UPDATE missions SET is_overtime = TRUE WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID); err != nil {
		return fmt.Errorf("failed to mark mission overtime: %w", err)
	}
	return nil
}

// SetLonely 标记无人可派
func (r *MissionRepository) SetLonely(ctx context.Context, tx *sql.Tx, missionID string) error {
	query := `UPDATE missions SET is_lonely = TRUE WHERE mission_id = $1`

	if _, err := tx.ExecContext(ctx, query, missionID); err != nil {
		return fmt.Errorf("failed to mark mission lonely: %w", err)
	}
	return nil
}

// ============================================
// 拒单记录
// ============================================

// AppendRejection 追加拒单记录（只增不删）
func (r *MissionRepository) AppendRejection(ctx context.Context, tx *sql.Tx, missionID, badge string, now time.Time) error {
	query := `
		INSERT INTO mission_rejections (mission_id, worker_badge, rejected_at)
		VALUES ($1, $2, $3)`

	if _, err := tx.ExecContext(ctx, query, missionID, badge, now); err != nil {
		return fmt.Errorf("failed to append rejection: %w", err)
	}
	return nil
}

// CountRejections 统计任务累计拒单次数（事务内，用于阈值判断）
func (r *MissionRepository) CountRejections(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	query := `SELECT COUNT(*) FROM mission_rejections WHERE mission_id = $1`

	var count int
	if err := tx.QueryRowContext(ctx, query, missionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return count, nil
}

// ============================================
// 调度查询
// ============================================

// ListAssignedUnaccepted 已指派但未接单的任务（接单超时检查）
func (r *MissionRepository) ListAssignedUnaccepted(ctx context.Context) ([]*models.Mission, error) {
	query := `SELECT ` + missionColumns + `
		FROM missions
		WHERE is_done = FALSE AND worker_badge IS NOT NULL
		  AND accept_received_at IS NULL
		ORDER BY notify_sent_at`

	return r.queryMissions(ctx, query)
}

// ListInProgress 维修中的任务（已开工未完成）
func (r *MissionRepository) ListInProgress(ctx context.Context) ([]*models.Mission, error) {
	query := `SELECT ` + missionColumns + `
		FROM missions
		WHERE is_done = FALSE AND repair_begin_at IS NOT NULL
		ORDER BY repair_begin_at`

	return r.queryMissions(ctx, query)
}

// ListAutoCloseCandidates 可自愈关闭的任务：
// 未开工、未关闭、有至少一个事件且全部事件已结束
func (r *MissionRepository) ListAutoCloseCandidates(ctx context.Context) ([]*models.Mission, error) {
	query := `SELECT ` + missionColumns + `
		FROM missions m
		WHERE m.is_done = FALSE
		  AND m.repair_begin_at IS NULL
		  AND EXISTS (SELECT 1 FROM mission_events e WHERE e.mission_id = m.mission_id)
		  AND NOT EXISTS (
			SELECT 1 FROM mission_events e
			WHERE e.mission_id = m.mission_id AND e.end_at IS NULL
		  )
		ORDER BY m.created_at`

	return r.queryMissions(ctx, query)
}

func (r *MissionRepository) queryMissions(ctx context.Context, query string, args ...any) ([]*models.Mission, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query missions: %w", err)
	}
	defer rows.Close()

	var missions []*models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// PendingMissionFacts 待派任务及其排序要素
type PendingMissionFacts struct {
	MissionID        string
	DeviceID         string
	WorkshopID       string
	IsRescue         bool
	IsLonely         bool
	WhitelistOnly    bool
	RejectCount      int
	CreatedAt        time.Time
	ProcessStage     int
	CategoryPriority int
	CategoryCount    int
}

// ListPendingMissionFacts 列出待派任务（未关闭、未指派）并带出排序要素：
// 拒单次数、创建时间、设备工序段、最高故障类别、该类别历史发生次数
func (r *MissionRepository) ListPendingMissionFacts(ctx context.Context) ([]PendingMissionFacts, error) {
	query := `
		SELECT
			m.mission_id,
			m.device_id,
			d.workshop_id,
			m.is_rescue,
			m.is_lonely,
			d.whitelist_only,
			(SELECT COUNT(*) FROM mission_rejections r WHERE r.mission_id = m.mission_id) AS reject_count,
			m.created_at,
			d.process_stage,
			COALESCE((SELECT MIN(e.category) FROM mission_events e WHERE e.mission_id = m.mission_id), 0) AS category_priority,
			COALESCE((
				SELECT COUNT(*) FROM mission_events h
				WHERE h.category = (SELECT MIN(e.category) FROM mission_events e WHERE e.mission_id = m.mission_id)
			), 0) AS category_count
		FROM missions m
		JOIN devices d ON d.device_id = m.device_id
		WHERE m.is_done = FALSE AND m.worker_badge IS NULL
		ORDER BY m.created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending missions: %w", err)
	}
	defer rows.Close()

	var facts []PendingMissionFacts
	for rows.Next() {
		var f PendingMissionFacts
		if err := rows.Scan(
			&f.MissionID, &f.DeviceID, &f.WorkshopID, &f.IsRescue, &f.IsLonely,
			&f.WhitelistOnly, &f.RejectCount, &f.CreatedAt, &f.ProcessStage,
			&f.CategoryPriority, &f.CategoryCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pending mission facts: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}
