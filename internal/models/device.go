package models

// Device 设备（对应 devices 表）
type Device struct {
	DeviceID      string `json:"device_id" db:"device_id"`
	WorkshopID    string `json:"workshop_id" db:"workshop_id"`
	Name          string `json:"name" db:"name"`
	ProcessStage  int    `json:"process_stage" db:"process_stage"` // 工序段（越大越靠后）
	IsRescue      bool   `json:"is_rescue" db:"is_rescue"`         // 救援站（空闲工人归巢点）
	WhitelistOnly bool   `json:"whitelist_only" db:"whitelist_only"`
}

// DistanceGraph 车间设备距离图（每个 tick 重新加载，不跨 tick 缓存）
type DistanceGraph struct {
	WorkshopID string
	Devices    []string
	Index      map[string]int
	Matrix     [][]float64
}

// Distance 查询两设备间距离；任一设备不在图内返回 false
func (g *DistanceGraph) Distance(from, to string) (float64, bool) {
	i, ok := g.Index[from]
	if !ok {
		return 0, false
	}
	j, ok := g.Index[to]
	if !ok {
		return 0, false
	}
	return g.Matrix[i][j], true
}
