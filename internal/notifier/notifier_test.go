package notifier

import (
	"encoding/json"
	"errors"
	"testing"

	"foxlink-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePublisher 仅用于单元测试
type fakePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestMissionAssigned_PublishesToWorkerTopic(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "foxlink", 1, false, zap.NewNop())

	n.MissionAssigned("w100", &models.Mission{MissionID: "m-1", DeviceID: "dev-1", Name: "fault"})

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "foxlink/worker/w100/mission", pub.topics[0])

	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, TypeMissionAssigned, msg.Type)
	assert.Equal(t, "m-1", msg.MissionID)
	assert.Equal(t, "dev-1", msg.DeviceID)
	assert.False(t, msg.SentAt.IsZero())
}

func TestMissionLonely_BroadcastsToWorkshopTopic(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "foxlink", 1, false, zap.NewNop())

	n.MissionLonely("w1", &models.Mission{MissionID: "m-1", DeviceID: "dev-1"})

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "foxlink/workshop/w1/alert", pub.topics[0])
}

func TestMissionOvertime_CarriesElapsedMinutes(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "foxlink", 1, false, zap.NewNop())

	n.MissionOvertime("boss", "m-1", "w100", 65)

	require.Len(t, pub.payloads, 1)
	var msg Message
	require.NoError(t, json.Unmarshal(pub.payloads[0], &msg))
	assert.Equal(t, TypeMissionOvertime, msg.Type)
	assert.Equal(t, 65, msg.Minutes)
	assert.Equal(t, "w100", msg.WorkerBadge)
}

func TestPublish_FailureDoesNotPanic(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	n := NewNotifier(pub, "foxlink", 1, false, zap.NewNop())

	// 通知尽力而为：失败只记日志
	n.AcceptTimeout("w100", "m-1")

	assert.Empty(t, pub.topics)
}
