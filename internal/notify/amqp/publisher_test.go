package amqp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-engine/internal/domain/notify"
)

type mockChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
	closed    bool
}

func (m *mockChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if m.err != nil {
		return m.err
	}
	m.keys = append(m.keys, key)
	m.published = append(m.published, msg)
	return nil
}

func (m *mockChannel) Close() error {
	m.closed = true
	return nil
}

func TestPublisher_Notify(t *testing.T) {
	ch := &mockChannel{}
	p := newPublisher(ch, "", "storefront.notifications")

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e := notify.Event{
		ID:         "evt-1",
		Kind:       notify.KindOrderStatusChanged,
		OrderID:    "o1",
		From:       "PAID",
		To:         "SHIPPED",
		Actor:      "ops",
		OccurredAt: at,
	}
	require.NoError(t, p.Notify(context.Background(), e))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "storefront.notifications", ch.keys[0])
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "evt-1", msg.MessageId)
	assert.Equal(t, notify.KindOrderStatusChanged, msg.Type)
	assert.Equal(t, at, msg.Timestamp)

	var got notify.Event
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, e, got)
}

func TestPublisher_NotifyError(t *testing.T) {
	ch := &mockChannel{err: errors.New("channel closed")}
	p := newPublisher(ch, "", "q")

	err := p.Notify(context.Background(), notify.Event{Kind: notify.KindReturnStatusChanged})
	require.Error(t, err)
	assert.Contains(t, err.Error(), notify.KindReturnStatusChanged)
}

func TestPublisher_Close(t *testing.T) {
	ch := &mockChannel{}
	p := newPublisher(ch, "", "q")
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestDial_RequiresURL(t *testing.T) {
	_, err := Dial(Config{})
	require.Error(t, err)
}
