package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"foxlink-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// AutoClose
// ============================================================================

func TestAutoClose_NoopWhenStarted(t *testing.T) {
	mock, c, _ := setupController(t)

	m := pendingMission("m-1")
	m.WorkerBadge = strPtr("w100")
	m.RepairBeginAt = timePtr(time.Now().Add(-10 * time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectCommit()

	result, err := c.AutoClose(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var eventCols = []string{
	"event_id", "mission_id", "ext_event_id", "ext_host", "ext_table",
	"category", "message", "begin_at", "end_at",
}

func eventRow(rows *sqlmock.Rows, eventID, missionID string, endAt *time.Time) *sqlmock.Rows {
	return rows.AddRow(eventID, missionID, int64(11), "rawdata", "events",
		200, "jam", time.Now().Add(-time.Hour), endAt)
}

func TestAutoClose_FreesAssignedWorker(t *testing.T) {
	mock, c, _ := setupController(t)

	m := pendingMission("m-1")
	m.WorkerBadge = strPtr("w100")
	m.NotifySentAt = timePtr(time.Now().Add(-time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectQuery(`FROM mission_events`).
		WithArgs("m-1").
		WillReturnRows(eventRow(sqlmock.NewRows(eventCols), "e-1", "m-1", timePtr(time.Now().Add(-time.Minute))))
	mock.ExpectExec(`UPDATE missions SET is_done`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM workers WHERE badge`).
		WithArgs("w100").
		WillReturnRows(workerRows(idleWorker("w100")))
	mock.ExpectExec(`UPDATE workers SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.AutoClose(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoClose_NoopWhenEventStillOpen(t *testing.T) {
	mock, c, _ := setupController(t)

	m := pendingMission("m-1")

	// 候选查询之后摄取又挂入了一条未结束事件，事务内复核后放弃关闭
	rows := eventRow(sqlmock.NewRows(eventCols), "e-1", "m-1", timePtr(time.Now().Add(-time.Minute)))
	rows = eventRow(rows, "e-2", "m-1", nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectQuery(`FROM mission_events`).
		WithArgs("m-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	result, err := c.AutoClose(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// ShiftSwap
// ============================================================================

func TestShiftSwap_ClonesMissionAndMovesEvents(t *testing.T) {
	mock, c, _ := setupController(t)

	m := pendingMission("m-1")
	m.WorkerBadge = strPtr("w100")
	m.RepairBeginAt = timePtr(time.Now().Add(-time.Hour))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectExec(`UPDATE missions SET is_done`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM workers WHERE badge`).
		WithArgs("w100").
		WillReturnRows(workerRows(idleWorker("w100")))
	mock.ExpectExec(`UPDATE workers SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO missions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE mission_events SET mission_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.ShiftSwap(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShiftSwap_RescueMissionNotCloned(t *testing.T) {
	mock, c, _ := setupController(t)

	m := pendingMission("m-rescue")
	m.IsRescue = true
	m.WorkerBadge = strPtr("w100")
	m.RepairBeginAt = timePtr(time.Now().Add(-time.Hour))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-rescue").
		WillReturnRows(missionRows(m))
	mock.ExpectExec(`UPDATE missions SET is_done`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM workers WHERE badge`).
		WithArgs("w100").
		WillReturnRows(workerRows(idleWorker("w100")))
	mock.ExpectExec(`UPDATE workers SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.ShiftSwap(context.Background(), "m-rescue")

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// ResetShiftCounters
// ============================================================================

func TestResetShiftCounters_OncePerShiftWindow(t *testing.T) {
	mock, c, _ := setupController(t)

	shiftStart := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	guard := fmt.Sprintf("start=%d", shiftStart.Unix())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditShiftReset, "day", guard).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE workers SET shift_start_count = 0`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.ResetShiftCounters(context.Background(), "day", shiftStart)

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)

	// 同一窗口内再次调用只命中守卫，不再清零
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditShiftReset, "day", guard).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	result, err = c.ResetShiftCounters(context.Background(), "day", shiftStart)

	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// MarkOvertime / MarkLonely
// ============================================================================

func TestMarkOvertime_NotifiesSuperior(t *testing.T) {
	mock, c, notices := setupController(t)

	m := pendingMission("m-1")
	m.WorkerBadge = strPtr("w100")
	m.RepairBeginAt = timePtr(time.Now().Add(-40 * time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditMissionOvertime, "m-1", "overtime=30").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE missions SET is_overtime`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// 提交后沿上级链查找
	worker := idleWorker("w100")
	worker.SuperiorBadge = strPtr("boss")
	mock.ExpectQuery(`FROM workers WHERE badge`).
		WithArgs("w100").
		WillReturnRows(workerRows(worker))
	mock.ExpectQuery(`FROM workers WHERE badge`).
		WithArgs("boss").
		WillReturnRows(workerRows(idleWorker("boss")))

	result, err := c.MarkOvertime(context.Background(), "m-1", 30, 40)

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.Equal(t, []string{"boss"}, notices.overtime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOvertime_SecondCrossingIsNoop(t *testing.T) {
	mock, c, notices := setupController(t)

	m := pendingMission("m-1")
	m.WorkerBadge = strPtr("w100")
	m.RepairBeginAt = timePtr(time.Now().Add(-40 * time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(m))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditMissionOvertime, "m-1", "overtime=30").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	result, err := c.MarkOvertime(context.Background(), "m-1", 30, 40)

	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, result)
	assert.Empty(t, notices.overtime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkLonely_BroadcastsToWorkshop(t *testing.T) {
	mock, c, notices := setupController(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(pendingMission("m-1")))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditMissionLonely, "m-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE missions SET is_lonely`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`FROM devices WHERE device_id`).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "workshop_id", "name", "process_stage", "is_rescue", "whitelist_only"}).
			AddRow("dev-1", "w1", "Device#1", 1, false, false))

	result, err := c.MarkLonely(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultApplied, result)
	assert.Equal(t, []string{"w1"}, notices.lonely)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkLonely_RepeatIsNoop(t *testing.T) {
	mock, c, notices := setupController(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM missions WHERE mission_id`).
		WithArgs("m-1").
		WillReturnRows(missionRows(pendingMission("m-1")))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(models.AuditMissionLonely, "m-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	result, err := c.MarkLonely(context.Background(), "m-1")

	require.NoError(t, err)
	assert.Equal(t, ResultNoOp, result)
	assert.Empty(t, notices.lonely)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================================
// IngestEvent
// ============================================================================

func ingestEvent(id int64) *models.MissionEvent {
	return &models.MissionEvent{
		ExtEventID: id,
		ExtHost:    "rawdata",
		ExtTable:   "events",
		Category:   200,
		Message:    "jam",
		BeginAt:    time.Now().Add(-time.Minute),
	}
}

func TestIngestEvent_AttachesToOpenMission(t *testing.T) {
	mock, c, _ := setupController(t)

	device := &models.Device{DeviceID: "dev-1", WorkshopID: "w1", Name: "Device#1"}
	open := pendingMission("m-open")

	mock.ExpectQuery(`FROM missions`).
		WithArgs("dev-1").
		WillReturnRows(missionRows(open))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mission_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, inserted, err := c.IngestEvent(context.Background(), device, ingestEvent(11))

	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestEvent_DuplicateIsSilentlySkipped(t *testing.T) {
	mock, c, _ := setupController(t)

	device := &models.Device{DeviceID: "dev-1", WorkshopID: "w1"}

	mock.ExpectQuery(`FROM missions`).
		WithArgs("dev-1").
		WillReturnRows(missionRows(pendingMission("m-open")))
	mock.ExpectBegin()
	// 唯一索引冲突：ON CONFLICT DO NOTHING，零行受影响
	mock.ExpectExec(`INSERT INTO mission_events`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, inserted, err := c.IngestEvent(context.Background(), device, ingestEvent(11))

	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestEvent_CreatesMissionWhenNoneOpen(t *testing.T) {
	mock, c, _ := setupController(t)

	device := &models.Device{DeviceID: "dev-1", WorkshopID: "w1", Name: "Device#1"}

	mock.ExpectQuery(`FROM missions`).
		WithArgs("dev-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO missions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO mission_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_log`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, inserted, err := c.IngestEvent(context.Background(), device, ingestEvent(11))

	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
