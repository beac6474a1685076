package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
)

type fakeOutbox struct {
	events    []Event
	delivered map[string]time.Time
}

func (f *fakeOutbox) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeOutbox) ClaimUndelivered(_ context.Context, limit int) ([]Event, error) {
	var out []Event
	for _, e := range f.events {
		if _, ok := f.delivered[e.EventID]; ok {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		f.delivered[id] = at
	}
	return nil
}

type recordingPublisher struct {
	published []string
	failOn    string
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	if e.EventID == p.failOn {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, e.EventID)
	return nil
}

func newEvents(n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := New(BookingStateChanged, "bk-1", domain.SystemActor, time.Now(), nil)
		out = append(out, e)
	}
	return out
}

func TestRelay_FlushDeliversInOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	outbox := &fakeOutbox{events: newEvents(5), delivered: map[string]time.Time{}}
	pub := &recordingPublisher{}
	relay := NewRelay(outbox, pub, clock.NewFixed(now), nil, WithBatchSize(3), WithMaxRetries(0))

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := make([]string, 0, 5)
	for _, e := range outbox.events {
		want = append(want, e.EventID)
	}
	assert.Equal(t, want, pub.published)
	assert.Equal(t, now, outbox.delivered[want[0]])
}

func TestRelay_FlushStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	outbox := &fakeOutbox{events: newEvents(4), delivered: map[string]time.Time{}}
	pub := &recordingPublisher{failOn: outbox.events[2].EventID}
	relay := NewRelay(outbox, pub, clock.NewSystem(), nil, WithMaxRetries(0))

	n, err := relay.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, outbox.delivered, 2)
	assert.NotContains(t, pub.published, outbox.events[3].EventID)
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return nil, c.err
}

func TestAMQPPublisher_Publish(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{}
	pub := NewAMQPPublisher(ch, "audit.events")
	e := New(BookingCancelled, "bk-9", domain.Actor{ID: "trav-1", Role: domain.RoleTraveler}, time.Now().UTC(), map[string]any{"refund_eligible": true})

	require.NoError(t, pub.Publish(context.Background(), e))
	assert.Equal(t, "audit.events", ch.exchange)
	assert.Equal(t, BookingCancelled, ch.key)
	assert.Equal(t, e.EventID, ch.msg.MessageId)
	assert.Equal(t, "bk-9", ch.msg.CorrelationId)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)

	var decoded Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	assert.Equal(t, e.EventType, decoded.EventType)
	assert.Equal(t, true, decoded.Payload["refund_eligible"])

	ch.err = errors.New("channel closed")
	assert.Error(t, pub.Publish(context.Background(), e))
}
