package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"foxlink-dispatch/internal/faultsource"
	"foxlink-dispatch/internal/lifecycle"
	"foxlink-dispatch/internal/models"
	"foxlink-dispatch/internal/repository"
)

// 仅用于单元测试的内存假实现（调度循环只有一个 goroutine 驱动，不需要锁；
// 摄取假实现并发访问，单独加锁见 fakeIngestState）

// ----------------------------------------------------------------------------
// fakeControl
// ----------------------------------------------------------------------------

type assignCall struct {
	missionID string
	badge     string
	actor     string
}

type overtimeCall struct {
	missionID string
	threshold int
	elapsed   int
}

type fakeControl struct {
	assigns       []assignCall
	assignErrs    map[string]error // badge -> 返回的错误
	autoRejects   []assignCall
	autoCloses    []string
	shiftSwaps    []string
	resets        []string // 清零过计数的班次
	overtimes     []overtimeCall
	lonelies      []string
	ingested      []*models.MissionEvent
	rescueCreated []assignCall // missionID 字段存救援站设备
	snapped       []assignCall // missionID 字段存设备
	nextRescueID  int
}

func newFakeControl() *fakeControl {
	return &fakeControl{assignErrs: make(map[string]error)}
}

func (f *fakeControl) Assign(ctx context.Context, missionID, badge, actor string) (lifecycle.Result, error) {
	if err := f.assignErrs[badge]; err != nil {
		return lifecycle.ResultApplied, err
	}
	f.assigns = append(f.assigns, assignCall{missionID: missionID, badge: badge, actor: actor})
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) AutoReject(ctx context.Context, missionID, badge string) (lifecycle.Result, error) {
	f.autoRejects = append(f.autoRejects, assignCall{missionID: missionID, badge: badge})
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) AutoClose(ctx context.Context, missionID string) (lifecycle.Result, error) {
	f.autoCloses = append(f.autoCloses, missionID)
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) ShiftSwap(ctx context.Context, missionID string) (lifecycle.Result, error) {
	f.shiftSwaps = append(f.shiftSwaps, missionID)
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) MarkOvertime(ctx context.Context, missionID string, thresholdMinutes, elapsedMinutes int) (lifecycle.Result, error) {
	f.overtimes = append(f.overtimes, overtimeCall{missionID: missionID, threshold: thresholdMinutes, elapsed: elapsedMinutes})
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) ResetShiftCounters(ctx context.Context, shiftID string, shiftStart time.Time) (lifecycle.Result, error) {
	for _, id := range f.resets {
		if id == shiftID {
			return lifecycle.ResultNoOp, nil
		}
	}
	f.resets = append(f.resets, shiftID)
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) MarkLonely(ctx context.Context, missionID string) (lifecycle.Result, error) {
	f.lonelies = append(f.lonelies, missionID)
	return lifecycle.ResultApplied, nil
}

func (f *fakeControl) IngestEvent(ctx context.Context, device *models.Device, event *models.MissionEvent) (bool, bool, error) {
	f.ingested = append(f.ingested, event)
	return true, true, nil
}

func (f *fakeControl) CreateRescueMission(ctx context.Context, badge, rescueDeviceID string) (*models.Mission, error) {
	f.nextRescueID++
	f.rescueCreated = append(f.rescueCreated, assignCall{missionID: rescueDeviceID, badge: badge})
	return &models.Mission{
		MissionID: fmt.Sprintf("rescue-%d", f.nextRescueID),
		DeviceID:  rescueDeviceID,
		IsRescue:  true,
	}, nil
}

func (f *fakeControl) SnapWorkerToDevice(ctx context.Context, badge, deviceID string) error {
	f.snapped = append(f.snapped, assignCall{missionID: deviceID, badge: badge})
	return nil
}

// ----------------------------------------------------------------------------
// 查询假实现
// ----------------------------------------------------------------------------

type fakeMissionQueries struct {
	autoCloseCandidates []*models.Mission
	inProgress          []*models.Mission
	unaccepted          []*models.Mission
	pending             []repository.PendingMissionFacts
}

func (f *fakeMissionQueries) ListAutoCloseCandidates(ctx context.Context) ([]*models.Mission, error) {
	return f.autoCloseCandidates, nil
}

func (f *fakeMissionQueries) ListInProgress(ctx context.Context) ([]*models.Mission, error) {
	return f.inProgress, nil
}

func (f *fakeMissionQueries) ListAssignedUnaccepted(ctx context.Context) ([]*models.Mission, error) {
	return f.unaccepted, nil
}

func (f *fakeMissionQueries) ListPendingMissionFacts(ctx context.Context) ([]repository.PendingMissionFacts, error) {
	return f.pending, nil
}

type fakeEventQueries struct {
	open        []*models.MissionEvent
	ends        map[string]time.Time
	dbWatermark time.Time
}

func newFakeEventQueries() *fakeEventQueries {
	return &fakeEventQueries{ends: make(map[string]time.Time)}
}

func (f *fakeEventQueries) ListOpenEvents(ctx context.Context) ([]*models.MissionEvent, error) {
	return f.open, nil
}

func (f *fakeEventQueries) SetEventEnd(ctx context.Context, eventID string, endAt time.Time) error {
	f.ends[eventID] = endAt
	return nil
}

func (f *fakeEventQueries) MaxWatermark(ctx context.Context, host, table string) (time.Time, error) {
	return f.dbWatermark, nil
}

type fakeWorkerQueries struct {
	workers    map[string]*models.Worker
	idle       []*models.Worker
	candidates map[string][]repository.CandidateFacts // missionID -> 候选
}

func newFakeWorkerQueries() *fakeWorkerQueries {
	return &fakeWorkerQueries{
		workers:    make(map[string]*models.Worker),
		candidates: make(map[string][]repository.CandidateFacts),
	}
}

func (f *fakeWorkerQueries) GetWorker(ctx context.Context, badge string) (*models.Worker, error) {
	w, ok := f.workers[badge]
	if !ok {
		return nil, fmt.Errorf("worker not found: %s", badge)
	}
	return w, nil
}

func (f *fakeWorkerQueries) ListIdleWorkers(ctx context.Context, shiftID string) ([]*models.Worker, error) {
	return f.idle, nil
}

func (f *fakeWorkerQueries) ListCandidateFacts(ctx context.Context, deviceID, missionID, shiftID string, whitelistOnly bool, shiftStart time.Time) ([]repository.CandidateFacts, error) {
	return f.candidates[missionID], nil
}

type fakeDeviceQueries struct {
	devices map[string]*models.Device
	rescues map[string][]*models.Device
	graphs  map[string]*models.DistanceGraph
	extMap  map[string]*models.Device
}

func newFakeDeviceQueries() *fakeDeviceQueries {
	return &fakeDeviceQueries{
		devices: make(map[string]*models.Device),
		rescues: make(map[string][]*models.Device),
		graphs:  make(map[string]*models.DistanceGraph),
		extMap:  make(map[string]*models.Device),
	}
}

func (f *fakeDeviceQueries) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device not found: %s", deviceID)
	}
	return d, nil
}

func (f *fakeDeviceQueries) ListRescueDevices(ctx context.Context, workshopID string) ([]*models.Device, error) {
	return f.rescues[workshopID], nil
}

func (f *fakeDeviceQueries) LoadDistanceGraph(ctx context.Context, workshopID string) (*models.DistanceGraph, error) {
	g, ok := f.graphs[workshopID]
	if !ok {
		return &models.DistanceGraph{WorkshopID: workshopID, Index: map[string]int{}}, nil
	}
	return g, nil
}

func (f *fakeDeviceQueries) MapExtDevice(ctx context.Context, extName string) (*models.Device, error) {
	return f.extMap[extName], nil
}

type fakeShiftQueries struct {
	shift *models.Shift
	err   error
}

func (f *fakeShiftQueries) CurrentShift(ctx context.Context, now time.Time) (*models.Shift, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.shift, nil
}

// ----------------------------------------------------------------------------
// 事件源与摄取状态假实现
// ----------------------------------------------------------------------------

type fakeFaultClient struct {
	host       string
	recent     map[string][]faultsource.Event // table -> 事件
	byID       map[int64]*faultsource.Event
	sinceCalls []time.Time
}

func newFakeFaultClient(host string) *fakeFaultClient {
	return &fakeFaultClient{
		host:   host,
		recent: make(map[string][]faultsource.Event),
		byID:   make(map[int64]*faultsource.Event),
	}
}

func (f *fakeFaultClient) Host() string { return f.host }

func (f *fakeFaultClient) ListRecentEvents(ctx context.Context, table string, since time.Time) ([]faultsource.Event, error) {
	f.sinceCalls = append(f.sinceCalls, since)
	return f.recent[table], nil
}

func (f *fakeFaultClient) GetEvent(ctx context.Context, table string, id int64) (*faultsource.Event, error) {
	return f.byID[id], nil
}

type fakeIngestState struct {
	mu         sync.Mutex
	watermarks map[string]time.Time
	seen       map[string]bool
}

func newFakeIngestState() *fakeIngestState {
	return &fakeIngestState{
		watermarks: make(map[string]time.Time),
		seen:       make(map[string]bool),
	}
}

func (f *fakeIngestState) Watermark(ctx context.Context, host, table string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.watermarks[host+"/"+table]
	return w, ok
}

func (f *fakeIngestState) SetWatermark(ctx context.Context, host, table string, watermark time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[host+"/"+table] = watermark
}

func (f *fakeIngestState) Seen(ctx context.Context, host, table string, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[fmt.Sprintf("%s/%s/%d", host, table, id)]
}

func (f *fakeIngestState) MarkSeen(ctx context.Context, host, table string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[fmt.Sprintf("%s/%s/%d", host, table, id)] = true
}
