package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// seenTTL 快速去重键的保留时长
// Redis 只是去重快路径，权威去重靠数据库唯一索引，丢失无害
const seenTTL = 24 * time.Hour

// IngestState 事件摄取状态（水位 + 去重快路径）
type IngestState struct {
	kv     KVStore
	prefix string
	logger *zap.Logger
}

// NewIngestState 创建事件摄取状态管理器
func NewIngestState(kv KVStore, prefix string, logger *zap.Logger) *IngestState {
	return &IngestState{
		kv:     kv,
		prefix: prefix,
		logger: logger,
	}
}

// watermarkKey 水位键，按 (host, table) 区分
func (s *IngestState) watermarkKey(host, table string) string {
	return fmt.Sprintf("%s:ingest:%s:%s:watermark", s.prefix, host, table)
}

// seenKey 去重键，按 (host, table, id) 区分
func (s *IngestState) seenKey(host, table string, id int64) string {
	return fmt.Sprintf("%s:ingest:%s:%s:seen:%d", s.prefix, host, table, id)
}

// Watermark 读取事件源水位；缺失返回 false（调用方回退到数据库）
func (s *IngestState) Watermark(ctx context.Context, host, table string) (time.Time, bool) {
	val, err := s.kv.Get(ctx, s.watermarkKey(host, table))
	if err != nil {
		if err != ErrCacheMiss {
			s.logger.Warn("Failed to read ingest watermark",
				zap.String("host", host),
				zap.String("table", table),
				zap.Error(err),
			)
		}
		return time.Time{}, false
	}

	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// SetWatermark 推进事件源水位
func (s *IngestState) SetWatermark(ctx context.Context, host, table string, watermark time.Time) {
	key := s.watermarkKey(host, table)
	if err := s.kv.Set(ctx, key, strconv.FormatInt(watermark.Unix(), 10), 0); err != nil {
		s.logger.Warn("Failed to set ingest watermark",
			zap.String("host", host),
			zap.String("table", table),
			zap.Error(err),
		)
	}
}

// Seen 事件是否已见过（快路径；未命中不代表没见过）
func (s *IngestState) Seen(ctx context.Context, host, table string, id int64) bool {
	_, err := s.kv.Get(ctx, s.seenKey(host, table, id))
	return err == nil
}

// MarkSeen 标记事件已见
func (s *IngestState) MarkSeen(ctx context.Context, host, table string, id int64) {
	if err := s.kv.Set(ctx, s.seenKey(host, table, id), "1", seenTTL); err != nil {
		s.logger.Warn("Failed to mark event seen",
			zap.String("host", host),
			zap.String("table", table),
			zap.Int64("ext_event_id", id),
			zap.Error(err),
		)
	}
}
