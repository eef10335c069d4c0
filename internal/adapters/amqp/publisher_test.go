package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/eventbus"
	logx "conduit/pkg/logx"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type mockChannel struct {
	mu         sync.Mutex
	declared   []string
	declareErr error
	publishErr error
	pubs       []published
	closed     bool
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.declared = append(m.declared, name+":"+kind)
	return m.declareErr
}

func (m *mockChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.pubs = append(m.pubs, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func (m *mockChannel) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pubs)
}

var _ Channel = (*amqp.Channel)(nil)

func TestNewPublisherDeclaresTopicExchange(t *testing.T) {
	ch := &mockChannel{}
	p, err := NewPublisher(ch, nil, Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"conduit.events:topic"}, ch.declared)
	assert.Equal(t, "conduit.job.failed", p.RoutingKey("job.failed"))

	_, err = NewPublisher(&mockChannel{declareErr: assert.AnError}, nil, Config{}, logx.Nop())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPublishEnvelope(t *testing.T) {
	ch := &mockChannel{}
	p, err := NewPublisher(ch, nil, Config{Exchange: "ci", RoutingPrefix: "prod."}, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err = p.Publish(context.Background(), eventbus.Event{Type: "job.finished", Time: at, Data: map[string]string{"job": "build"}})
	require.NoError(t, err)

	require.Len(t, ch.pubs, 1)
	got := ch.pubs[0]
	assert.Equal(t, "ci", got.exchange)
	assert.Equal(t, "prod.job.finished", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var env struct {
		Type string            `json:"type"`
		Time time.Time         `json:"time"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.msg.Body, &env))
	assert.Equal(t, "job.finished", env.Type)
	assert.True(t, env.Time.Equal(at))
	assert.Equal(t, "build", env.Data["job"])
}

func TestRunForwardsUntilClosed(t *testing.T) {
	ch := &mockChannel{}
	p, err := NewPublisher(ch, nil, Config{}, logx.Nop())
	require.NoError(t, err)

	events := make(chan eventbus.Event, 3)
	events <- eventbus.Event{Type: "job.queued"}
	events <- eventbus.Event{Type: "job.started"}
	close(events)

	require.NoError(t, p.Run(context.Background(), events))
	assert.Equal(t, 2, ch.count())
}

func TestRunSurvivesPublishErrors(t *testing.T) {
	ch := &mockChannel{}
	p, err := NewPublisher(ch, nil, Config{}, logx.Nop())
	require.NoError(t, err)
	ch.publishErr = assert.AnError

	events := make(chan eventbus.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, events) }()

	events <- eventbus.Event{Type: "job.failed"}
	events <- eventbus.Event{Type: "job.failed"}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCloseClosesChannelAndConn(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockChannel{}
	p, err := NewPublisher(ch, conn, Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
	assert.True(t, conn.closed)
}

func TestDialRejectsEmptyURL(t *testing.T) {
	_, err := Dial(Config{}, logx.Nop())
	assert.Error(t, err)
}
