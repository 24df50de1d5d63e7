package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"bastion/internal/platform/logger"
	"bastion/pkg/requestcontext"
	"bastion/pkg/testutil"
)

// =============================================================================
// Ring Buffer
// =============================================================================

func TestRingBufferDropsOldest(t *testing.T) {
	b := NewRingBuffer(3)
	for _, a := range []Action{"a", "b", "c", "d"} {
		b.Enqueue(Event{Action: a})
	}

	assert.Equal(t, 3, b.Len())
	assert.EqualValues(t, 1, b.Dropped())

	got := b.DequeueBatch(10)
	require.Len(t, got, 3)
	assert.Equal(t, Action("b"), got[0].Action)
	assert.Equal(t, Action("d"), got[2].Action)
	assert.Nil(t, b.DequeueBatch(1))
}

func TestRingBufferRequeueKeepsOrder(t *testing.T) {
	b := NewRingBuffer(4)
	b.Enqueue(Event{Action: "a"})
	b.Enqueue(Event{Action: "b"})
	b.Enqueue(Event{Action: "c"})

	batch := b.DequeueBatch(2)
	b.Requeue(batch)

	got := b.DequeueBatch(3)
	require.Len(t, got, 3)
	assert.Equal(t, []Action{"a", "b", "c"}, []Action{got[0].Action, got[1].Action, got[2].Action})
}

func TestRingBufferRequeueOverflowCountsDrops(t *testing.T) {
	b := NewRingBuffer(2)
	b.Enqueue(Event{Action: "a"})
	b.Enqueue(Event{Action: "b"})
	batch := b.DequeueBatch(2)
	b.Enqueue(Event{Action: "c"})

	b.Requeue(batch)
	assert.Equal(t, 2, b.Len())
	assert.EqualValues(t, 1, b.Dropped())
}

// =============================================================================
// Publisher
// =============================================================================

type PublisherSuite struct {
	suite.Suite
	sink *MemorySink
	pub  *Publisher
	now  time.Time
}

func TestPublisherSuite(t *testing.T) {
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.sink = NewMemorySink()
	s.pub = NewPublisher(
		WithLogger(logger.Discard()),
		WithSink(s.sink),
		WithBatching(2, 10*time.Millisecond),
		WithClock(func() time.Time { return s.now }),
	)
}

func (s *PublisherSuite) TestEmitFillsDefaults() {
	ctx := requestcontext.WithRequestID(context.Background(), "req-1")
	s.pub.Emit(ctx, Event{Action: ActionIPBlocked, IP: "10.0.0.0/24"})
	s.Require().NoError(s.pub.Flush(ctx))

	events := s.sink.Events()
	s.Require().Len(events, 1)
	s.Equal(s.now, events[0].Timestamp)
	s.Equal("req-1", events[0].RequestID)
	s.Equal(SeverityWarning, events[0].Severity)
}

func (s *PublisherSuite) TestFlushWritesInBatches() {
	ctx := context.Background()
	for range 5 {
		s.pub.Emit(ctx, Event{Action: ActionRateLimited})
	}
	s.Require().NoError(s.pub.Flush(ctx))
	s.Len(s.sink.Events(), 5)
	s.Zero(s.pub.Pending())
}

func (s *PublisherSuite) TestFailedWriteKeepsEvents() {
	ctx := context.Background()
	s.pub.Emit(ctx, Event{Action: ActionWAFBlocked})
	s.sink.FailWith(errors.New("broker down"))

	s.Error(s.pub.Flush(ctx))
	s.Equal(1, s.pub.Pending())

	s.sink.FailWith(nil)
	s.Require().NoError(s.pub.Flush(ctx))
	s.Len(s.sink.Events(), 1)
}

func (s *PublisherSuite) TestRunDrainsOnShutdown() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.pub.Run(ctx)
		close(done)
	}()

	s.pub.Emit(ctx, Event{Action: ActionAuthFailed})
	cancel()
	<-done
	s.Len(s.sink.Events(), 1)
}

func (s *PublisherSuite) TestWithoutSinkOnlyLogs() {
	pub := NewPublisher(WithLogger(logger.Discard()))
	pub.Emit(context.Background(), Event{Action: ActionIPBlocked})
	s.Zero(pub.Pending())
	s.NoError(pub.Flush(context.Background()))
}

func TestFromRequestAnonymizesClient(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/aml/check", nil)
	req = testutil.WithClient(req, "192.168.1.77", "curl/8.0")

	ev := FromRequest(req, ActionWAFBlocked, SeverityCritical, "sql injection")
	assert.Equal(t, "192.168.1.0/24", ev.IP)
	assert.Equal(t, "/api/v1/aml/check", ev.Path)
	assert.Equal(t, "POST", ev.Method)
	assert.Equal(t, ev.IP, ev.PartitionKey())
}

func TestLogAuditToleratesNilEmitter(t *testing.T) {
	assert.NotPanics(t, func() {
		LogAudit(context.Background(), nil, Event{Action: ActionIPBlocked})
	})
}
