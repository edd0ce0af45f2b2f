// Package ranking 派工排序。
// 全部为纯函数：调用之间不保留任何状态，输入相同则输出相同。
package ranking

import (
	"math"
	"sort"
	"time"

	"foxlink-dispatch/internal/models"
)

// MissionFacts 任务优先级排序要素
type MissionFacts struct {
	MissionID        string
	RejectCount      int       // 拒单次数（降序，被拒越多越优先）
	CreatedAt        time.Time // 创建时间（升序，先到先修）
	ProcessStage     int       // 设备工序段（降序，后段优先）
	CategoryPriority int       // 故障类别（升序，小类别号优先级高）
	CategoryCount    int       // 该类别历史发生次数（升序，少见故障优先）
}

// RankMissions 对待派任务做全序排序，返回有序 mission_id 列表
// 稳定排序，主键在前
func RankMissions(missions []MissionFacts) []string {
	sorted := make([]MissionFacts, len(missions))
	copy(sorted, missions)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.RejectCount != b.RejectCount {
			return a.RejectCount > b.RejectCount
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ProcessStage != b.ProcessStage {
			return a.ProcessStage > b.ProcessStage
		}
		if a.CategoryPriority != b.CategoryPriority {
			return a.CategoryPriority < b.CategoryPriority
		}
		return a.CategoryCount < b.CategoryCount
	})

	ids := make([]string, len(sorted))
	for i, m := range sorted {
		ids[i] = m.MissionID
	}
	return ids
}

// WorkerFacts 候选工人排序要素
type WorkerFacts struct {
	Badge            string
	Distance         float64    // 当前位置到任务设备的距离（升序）
	SkillLevel       int        // 对任务设备的技能等级（降序）
	FinishEventAt    *time.Time // 空闲起点（越早空闲越久，越优先）
	ShiftAssignCount int        // 本班已派任务数（升序，负载均衡）
}

// RankWorkers 对单个任务的候选工人做全序排序，返回有序工号列表
// now 由调用方传入，避免墙钟参与比较导致两次调用结果不同
func RankWorkers(candidates []WorkerFacts, now time.Time) []string {
	sorted := make([]WorkerFacts, len(candidates))
	copy(sorted, candidates)

	idleSince := func(f WorkerFacts) time.Time {
		if f.FinishEventAt == nil {
			// 从未接过任务视为空闲最久
			return time.Time{}
		}
		return *f.FinishEventAt
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.SkillLevel != b.SkillLevel {
			return a.SkillLevel > b.SkillLevel
		}
		ai, bi := idleSince(a), idleSince(b)
		if !ai.Equal(bi) {
			// 空闲时长 = now - finish_event_at，起点早者时长大
			return ai.Before(bi)
		}
		return a.ShiftAssignCount < b.ShiftAssignCount
	})

	badges := make([]string, len(sorted))
	for i, w := range sorted {
		badges[i] = w.Badge
	}
	return badges
}

// NearestRescue 在距离图上找距离 from 最近的救援站
// from 不在图内或没有可达救援站时返回 false
func NearestRescue(graph *models.DistanceGraph, from string, rescues []*models.Device) (string, bool) {
	best := ""
	bestDist := math.Inf(1)

	for _, r := range rescues {
		if r.DeviceID == from {
			return r.DeviceID, true
		}
		d, ok := graph.Distance(from, r.DeviceID)
		if !ok {
			continue
		}
		if d < bestDist || (d == bestDist && best != "" && r.DeviceID < best) {
			best = r.DeviceID
			bestDist = d
		}
	}

	if best == "" {
		return "", false
	}
	return best, true
}
