package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

// FaultSourceConfig 一个故障事件源（host + 事件表）
type FaultSourceConfig struct {
	Host    string // 事件源名称（host 标识）
	BaseURL string
	Table   string
}

// Config 派工服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string
	}

	// 派工调度配置
	Dispatch struct {
		TickInterval       int    // 调度循环间隔（秒），默认 10秒
		IdleHomingAfter    int    // 空闲多久后归巢（秒），默认 900秒
		AcceptTimeout      int    // 指派后多久未接单自动拒单（秒），默认 300秒
		OvertimeThresholds []int  // 超时金字塔阈值（分钟），默认 30,60,120,240
		MissionRejectAlert int    // 单任务累计拒单告警阈值，默认 3
		WorkerRejectAlert  int    // 工人单班拒单告警阈值，默认 3
		CategoryMin        int    // 可处理故障类别下界，默认 100
		CategoryMax        int    // 可处理故障类别上界，默认 699
		TopicPrefix        string // MQTT 主题前缀，默认 "foxlink"
	}

	// 故障事件源配置
	Fault struct {
		Sources []FaultSourceConfig
		Timeout int // 单次调用超时（秒），默认 10秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "foxlink")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "foxlink-dispatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.Retain = getEnv("MQTT_RETAIN", "false") == "true"

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8093")

	// 调度配置
	cfg.Dispatch.TickInterval = getEnvInt("DISPATCH_TICK_INTERVAL", 10)
	cfg.Dispatch.IdleHomingAfter = getEnvInt("DISPATCH_IDLE_HOMING_AFTER", 900)
	cfg.Dispatch.AcceptTimeout = getEnvInt("DISPATCH_ACCEPT_TIMEOUT", 300)
	cfg.Dispatch.OvertimeThresholds = getEnvIntList("DISPATCH_OVERTIME_THRESHOLDS", []int{30, 60, 120, 240})
	// 超时检查依赖阈值升序
	sort.Ints(cfg.Dispatch.OvertimeThresholds)
	cfg.Dispatch.MissionRejectAlert = getEnvInt("DISPATCH_MISSION_REJECT_ALERT", 3)
	cfg.Dispatch.WorkerRejectAlert = getEnvInt("DISPATCH_WORKER_REJECT_ALERT", 3)
	cfg.Dispatch.CategoryMin = getEnvInt("DISPATCH_CATEGORY_MIN", 100)
	cfg.Dispatch.CategoryMax = getEnvInt("DISPATCH_CATEGORY_MAX", 699)
	cfg.Dispatch.TopicPrefix = getEnv("FOXLINK_TOPIC_PREFIX", "foxlink")

	// 事件源配置，格式："host=baseURL|table,host2=baseURL2|table2"
	sources, err := parseFaultSources(getEnv("FAULT_SOURCES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid FAULT_SOURCES: %w", err)
	}
	cfg.Fault.Sources = sources
	cfg.Fault.Timeout = getEnvInt("FAULT_TIMEOUT", 10)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// parseFaultSources 解析事件源列表
func parseFaultSources(raw string) ([]FaultSourceConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var sources []FaultSourceConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, rest, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("missing '=' in %q", item)
		}
		baseURL, table, ok := strings.Cut(rest, "|")
		if !ok {
			return nil, fmt.Errorf("missing '|' in %q", item)
		}
		sources = append(sources, FaultSourceConfig{
			Host:    strings.TrimSpace(name),
			BaseURL: strings.TrimSpace(baseURL),
			Table:   strings.TrimSpace(table),
		})
	}
	return sources, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}
