package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fako1024/btprobe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err      error
	complete bool
}

func (t *fakeToken) Wait() bool                       { return t.complete }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return t.complete }
func (t *fakeToken) Error() error                     { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.complete {
		close(ch)
	}
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the subset of mqtt.Client used by the sink
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connected    bool
	connectToken *fakeToken
	publishToken *fakeToken
	messages     []published
	disconnects  int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectToken.complete && c.connectToken.err == nil {
		c.connected = true
	}
	return c.connectToken
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return c.publishToken
}

func (c *fakeClient) Disconnect(_ uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		connectToken: &fakeToken{complete: true},
		publishToken: &fakeToken{complete: true},
	}
}

func testUpdate() btprobe.Update {
	return btprobe.Update{
		Address:   "C8:28:32:00:11:22",
		Serial:    "12345678",
		Source:    btprobe.SourceNotification,
		TimeStamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Measurements: btprobe.Measurements{
			btprobe.KeyCookingToTemp:    btprobe.Number(55),
			btprobe.KeyReadyInTime:      btprobe.Null(),
			btprobe.KeyPredictionStatus: btprobe.Label(btprobe.PredictionStatusPredicting),
		},
	}
}

func TestPublish(t *testing.T) {
	client := newFakeClient()
	s := New(Config{QoS: 1, Retain: true}, WithClient(client))
	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.IsConnected())

	require.NoError(t, s.Publish(testUpdate()))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, "btprobe/12345678/notification", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)
	assert.JSONEq(t, `{
		"address": "C8:28:32:00:11:22",
		"serial": "12345678",
		"source": "notification",
		"timestamp": "2024-05-01T12:00:00Z",
		"measurements": {
			"cooking_to_temp": 55,
			"ready_in_time": null,
			"prediction_status": "predicting"
		}
	}`, string(msg.payload))
}

func TestPublishNotConnected(t *testing.T) {
	client := newFakeClient()
	s := New(Config{}, WithClient(client))

	require.ErrorIs(t, s.Publish(testUpdate()), errNotConnected)
	assert.Empty(t, client.messages)
}

func TestPublishErrors(t *testing.T) {
	client := newFakeClient()
	s := New(Config{PublishTimeout: time.Millisecond}, WithClient(client))
	require.NoError(t, s.Connect(context.Background()))

	client.publishToken = &fakeToken{}
	require.ErrorContains(t, s.Publish(testUpdate()), "publish timeout")

	brokerErr := errors.New("broker unavailable")
	client.publishToken = &fakeToken{complete: true, err: brokerErr}
	require.ErrorIs(t, s.Publish(testUpdate()), brokerErr)
}

func TestConnect(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		connErr := errors.New("connection refused")
		client := newFakeClient()
		client.connectToken = &fakeToken{complete: true, err: connErr}

		require.ErrorIs(t, New(Config{}, WithClient(client)).Connect(context.Background()), connErr)
	})

	t.Run("canceled", func(t *testing.T) {
		client := newFakeClient()
		client.connectToken = &fakeToken{}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, New(Config{}, WithClient(client)).Connect(ctx), context.Canceled)
	})

	t.Run("stopped", func(t *testing.T) {
		s := New(Config{}, WithClient(newFakeClient()))
		s.Disconnect()
		require.ErrorIs(t, s.Connect(context.Background()), errStopped)
	})
}

func TestDisconnect(t *testing.T) {
	client := newFakeClient()
	s := New(Config{}, WithClient(client))
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.IsConnected())
	assert.Equal(t, 2, client.disconnects)
}

func TestTopic(t *testing.T) {
	s := New(Config{TopicPrefix: "kitchen/probes/"}, WithClient(newFakeClient()))

	u := testUpdate()
	assert.Equal(t, "kitchen/probes/12345678/notification", s.Topic(u))

	u.Serial, u.Source = "", btprobe.SourceAdvertisement
	assert.Equal(t, "kitchen/probes/C82832001122/advertisement", s.Topic(u))
}

func TestEncodeMessageTimestamp(t *testing.T) {
	u := testUpdate()
	u.TimeStamp = time.Time{}

	data, err := encodeMessage(u)
	require.NoError(t, err)

	var msg struct {
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.False(t, msg.Timestamp.IsZero())
}
