package repository

import (
	"context"
	"database/sql"
	"fmt"

	"foxlink-dispatch/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备与车间仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `device_id, workshop_id, name, process_stage, is_rescue, whitelist_only`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	var d models.Device
	if err := row.Scan(
		&d.DeviceID, &d.WorkshopID, &d.Name, &d.ProcessStage, &d.IsRescue, &d.WhitelistOnly,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDevice 根据 device_id 获取设备
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListRescueDevices 列出车间的救援站设备
func (r *DeviceRepository) ListRescueDevices(ctx context.Context, workshopID string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + `
		FROM devices
		WHERE workshop_id = $1 AND is_rescue = TRUE
		ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query, workshopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rescue devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// LoadDistanceGraph 加载车间距离图
// 每个 tick 重新读取，不跨 tick 缓存（拓扑可能被外部编辑）
func (r *DeviceRepository) LoadDistanceGraph(ctx context.Context, workshopID string) (*models.DistanceGraph, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT from_device, to_device, distance
		FROM workshop_distances
		WHERE workshop_id = $1`, workshopID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workshop distances: %w", err)
	}
	defer rows.Close()

	type edge struct {
		from, to string
		dist     float64
	}
	var edges []edge
	index := make(map[string]int)
	var devices []string

	addDevice := func(id string) {
		if _, ok := index[id]; !ok {
			index[id] = len(devices)
			devices = append(devices, id)
		}
	}

	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.from, &e.to, &e.dist); err != nil {
			return nil, fmt.Errorf("failed to scan distance edge: %w", err)
		}
		addDevice(e.from)
		addDevice(e.to)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matrix := make([][]float64, len(devices))
	for i := range matrix {
		matrix[i] = make([]float64, len(devices))
	}
	for _, e := range edges {
		i, j := index[e.from], index[e.to]
		// 距离矩阵对称
		matrix[i][j] = e.dist
		matrix[j][i] = e.dist
	}

	return &models.DistanceGraph{
		WorkshopID: workshopID,
		Devices:    devices,
		Index:      index,
		Matrix:     matrix,
	}, nil
}

// MapExtDevice 把外部事件中的设备标识映射为库内设备
// 外部源用设备名上报，库内以 device_id 为准
func (r *DeviceRepository) MapExtDevice(ctx context.Context, extName string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1 OR name = $1 LIMIT 1`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, extName))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to map external device %s: %w", extName, err)
	}
	return d, nil
}
