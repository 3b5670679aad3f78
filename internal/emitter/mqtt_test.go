package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes; every other mqtt.Client method is unused
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	messages   []publishedMessage
	publishErr error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, publishedMessage{topic, qos, retained, payload.([]byte)})
	return completedToken(c.publishErr)
}

func connectedEmitter(client *fakeClient) *MQTTEmitter {
	e := NewMQTTEmitter(Config{Topic: "cams/front", QoS: 1})
	e.client = client
	e.connected = true
	return e
}

func TestMQTTEmitter_Publish(t *testing.T) {
	client := &fakeClient{}
	e := connectedEmitter(client)

	require.NoError(t, e.PublishResult(map[string]any{"frame_index": 7}))
	require.NoError(t, e.PublishStatus(map[string]any{"running": true}))

	require.Len(t, client.messages, 2)
	assert.Equal(t, "cams/front/results", client.messages[0].topic)
	assert.Equal(t, byte(1), client.messages[0].qos)
	assert.False(t, client.messages[0].retained)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &payload))
	assert.Equal(t, float64(7), payload["frame_index"])

	assert.Equal(t, "cams/front/status", client.messages[1].topic)
	assert.True(t, client.messages[1].retained)

	stats := e.Stats()
	assert.True(t, stats.Connected)
	assert.Equal(t, uint64(1), stats.Published["cams/front/results"])
	assert.Equal(t, uint64(0), stats.Errors)
}

func TestMQTTEmitter_Errors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		e := NewMQTTEmitter(Config{})
		assert.Error(t, e.PublishResult("x"))
		assert.Equal(t, uint64(1), e.Stats().Errors)
	})

	t.Run("publish failure", func(t *testing.T) {
		e := connectedEmitter(&fakeClient{publishErr: errors.New("broker gone")})
		assert.Error(t, e.PublishResult("x"))
		assert.Equal(t, uint64(1), e.Stats().Errors)
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		e := connectedEmitter(&fakeClient{})
		assert.Error(t, e.PublishResult(make(chan int)))
	})
}

func TestMQTTEmitter_Disconnect(t *testing.T) {
	e := connectedEmitter(&fakeClient{})
	e.Disconnect()
	assert.False(t, e.Stats().Connected)
	assert.Error(t, e.PublishStatus("x"))
}

func TestWaitToken(t *testing.T) {
	pending := &fakeToken{done: make(chan struct{})}

	err := waitToken(context.Background(), pending, 10*time.Millisecond)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitToken(ctx, pending, time.Second), context.Canceled)

	assert.NoError(t, waitToken(context.Background(), completedToken(nil), time.Second))
}
