package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "foxlink", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "foxlink-dispatch", cfg.MQTT.ClientID)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.False(t, cfg.MQTT.Retain)

	assert.Equal(t, ":8093", cfg.HTTP.Addr)

	assert.Equal(t, 10, cfg.Dispatch.TickInterval)
	assert.Equal(t, 900, cfg.Dispatch.IdleHomingAfter)
	assert.Equal(t, 300, cfg.Dispatch.AcceptTimeout)
	assert.Equal(t, []int{30, 60, 120, 240}, cfg.Dispatch.OvertimeThresholds)
	assert.Equal(t, 3, cfg.Dispatch.MissionRejectAlert)
	assert.Equal(t, 3, cfg.Dispatch.WorkerRejectAlert)
	assert.Equal(t, 100, cfg.Dispatch.CategoryMin)
	assert.Equal(t, 699, cfg.Dispatch.CategoryMax)
	assert.Equal(t, "foxlink", cfg.Dispatch.TopicPrefix)

	assert.Empty(t, cfg.Fault.Sources)
	assert.Equal(t, 10, cfg.Fault.Timeout)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	// 设置环境变量
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("MQTT_BROKER", "tcp://test-broker:1883")
	os.Setenv("MQTT_RETAIN", "true")
	os.Setenv("DISPATCH_TICK_INTERVAL", "5")
	os.Setenv("DISPATCH_OVERTIME_THRESHOLDS", "15,45,90")
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "tcp://test-broker:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.MQTT.Retain)
	assert.Equal(t, 5, cfg.Dispatch.TickInterval)
	assert.Equal(t, []int{15, 45, 90}, cfg.Dispatch.OvertimeThresholds)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_OvertimeThresholdsSorted(t *testing.T) {
	os.Clearenv()
	os.Setenv("DISPATCH_OVERTIME_THRESHOLDS", "240,30,60")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []int{30, 60, 240}, cfg.Dispatch.OvertimeThresholds)
}

func TestLoad_FaultSources(t *testing.T) {
	os.Clearenv()
	os.Setenv("FAULT_SOURCES", "ntust=http://10.0.1.5:8081|events, d7x=http://10.0.1.6:8081|events_d7x")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Fault.Sources, 2)

	assert.Equal(t, "ntust", cfg.Fault.Sources[0].Host)
	assert.Equal(t, "http://10.0.1.5:8081", cfg.Fault.Sources[0].BaseURL)
	assert.Equal(t, "events", cfg.Fault.Sources[0].Table)

	assert.Equal(t, "d7x", cfg.Fault.Sources[1].Host)
	assert.Equal(t, "events_d7x", cfg.Fault.Sources[1].Table)
}

func TestLoad_InvalidFaultSources(t *testing.T) {
	os.Clearenv()
	os.Setenv("FAULT_SOURCES", "no-equals-sign")
	defer os.Clearenv()

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}
