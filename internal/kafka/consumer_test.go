package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/trogers1052/convergence-service/internal/models"
)

// fakeSession records marked offsets
type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{ctx: ctx}
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) Commit()                    {}
func (s *fakeSession) Context() context.Context   { return s.ctx }

func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {}

func (s *fakeSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

// fakeClaim serves a fixed set of messages
type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func newFakeClaim(topic string, msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{topic: topic, messages: ch}
}

func (c *fakeClaim) Topic() string              { return c.topic }
func (c *fakeClaim) Partition() int32           { return 0 }
func (c *fakeClaim) InitialOffset() int64       { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeRequeuer records redeliveries and dead letters
type fakeRequeuer struct {
	redelivered map[int64]int
	notBefore   map[int64]time.Time
	deadLetters map[int64]string
	err         error
}

func newFakeRequeuer() *fakeRequeuer {
	return &fakeRequeuer{
		redelivered: make(map[int64]int),
		notBefore:   make(map[int64]time.Time),
		deadLetters: make(map[int64]string),
	}
}

func (r *fakeRequeuer) Redeliver(ctx context.Context, msg *sarama.ConsumerMessage, attempt int, notBefore time.Time) error {
	if r.err != nil {
		return r.err
	}
	r.redelivered[msg.Offset] = attempt
	r.notBefore[msg.Offset] = notBefore
	return nil
}

func (r *fakeRequeuer) DeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause string) error {
	if r.err != nil {
		return r.err
	}
	r.deadLetters[msg.Offset] = cause
	return nil
}

func positionMessage(offset int64, wallet string) *sarama.ConsumerMessage {
	value := fmt.Sprintf(`{
		"event_type": "position.opened",
		"timestamp": "2026-10-18T12:00:00Z",
		"data": {
			"wallet_address": %q,
			"pair": "BTC-PERP",
			"direction": "LONG",
			"entry_price": "100",
			"trade_size": "1",
			"leverage": "5",
			"entry_timestamp": "2026-10-18T11:59:00Z"
		}
	}`, wallet)
	return &sarama.ConsumerMessage{
		Topic:  "wallet.positions",
		Offset: offset,
		Key:    []byte("BTC-PERP"),
		Value:  []byte(value),
	}
}

func testConsumer(requeuer Requeuer, handler BatchHandler) *Consumer {
	c := newConsumer(nil, ConsumerConfig{
		PositionTopic:       "wallet.positions",
		NotificationTopic:   "signals.notifications",
		BatchSize:           10,
		BatchWait:           10 * time.Millisecond,
		MaxDeliveryAttempts: 3,
		RetryBackoff:        time.Millisecond,
	}, requeuer, nil)
	c.SetBatchHandler(handler)
	return c
}

// outcomesByWallet answers from a wallet -> outcome table
func outcomesByWallet(table map[string]models.Outcome) BatchHandler {
	return func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		out := make([]models.Outcome, len(events))
		for i, e := range events {
			out[i] = table[e.Data.WalletAddress]
		}
		return out, nil
	}
}

func TestProcessBatch_SettlesEachOutcome(t *testing.T) {
	requeuer := newFakeRequeuer()
	c := testConsumer(requeuer, outcomesByWallet(map[string]models.Outcome{
		"w1": models.OutcomeSuccess,
		"w2": models.OutcomeRetry,
		"w3": models.OutcomePoison,
	}))
	session := newFakeSession(context.Background())

	batch := []*sarama.ConsumerMessage{
		positionMessage(1, "w1"),
		positionMessage(2, "w2"),
		positionMessage(3, "w3"),
	}
	if err := c.processBatch(session, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	marked := session.markedOffsets()
	if len(marked) != 3 {
		t.Fatalf("expected all 3 offsets marked, got %v", marked)
	}
	if attempt := requeuer.redelivered[2]; attempt != 2 {
		t.Errorf("expected offset 2 redelivered as attempt 2, got %d", attempt)
	}
	if _, ok := requeuer.deadLetters[3]; !ok {
		t.Error("expected offset 3 to be dead-lettered")
	}
	if _, ok := requeuer.redelivered[1]; ok {
		t.Error("successful message should not be redelivered")
	}
}

func TestProcessBatch_UndecodableIsDeadLettered(t *testing.T) {
	requeuer := newFakeRequeuer()
	var seen int
	c := testConsumer(requeuer, func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		seen = len(events)
		return make([]models.Outcome, len(events)), nil
	})
	session := newFakeSession(context.Background())

	batch := []*sarama.ConsumerMessage{
		positionMessage(1, "w1"),
		{Topic: "wallet.positions", Offset: 2, Value: []byte("not json")},
		positionMessage(3, "w3"),
	}
	if err := c.processBatch(session, batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seen != 2 {
		t.Errorf("expected handler to see 2 decoded events, got %d", seen)
	}
	if cause := requeuer.deadLetters[2]; cause != "poison message" {
		t.Errorf("expected offset 2 dead-lettered as poison, got %q", cause)
	}
	if len(session.markedOffsets()) != 3 {
		t.Errorf("expected 3 offsets marked, got %v", session.markedOffsets())
	}
}

func TestProcessBatch_HandlerErrorMarksNothing(t *testing.T) {
	requeuer := newFakeRequeuer()
	c := testConsumer(requeuer, func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		return nil, errors.New("config store down")
	})
	session := newFakeSession(context.Background())

	err := c.processBatch(session, []*sarama.ConsumerMessage{
		positionMessage(1, "w1"),
		positionMessage(2, "w2"),
	})
	if err == nil {
		t.Fatal("expected batch error")
	}
	if len(session.markedOffsets()) != 0 {
		t.Errorf("expected nothing marked, got %v", session.markedOffsets())
	}
	if len(requeuer.redelivered) != 0 || len(requeuer.deadLetters) != 0 {
		t.Error("expected no per-item settlement on batch failure")
	}
}

func TestProcessBatch_OutcomeCountMismatch(t *testing.T) {
	c := testConsumer(newFakeRequeuer(), func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		return []models.Outcome{models.OutcomeSuccess}, nil
	})
	session := newFakeSession(context.Background())

	err := c.processBatch(session, []*sarama.ConsumerMessage{
		positionMessage(1, "w1"),
		positionMessage(2, "w2"),
	})
	if err == nil {
		t.Fatal("expected error for short outcome list")
	}
	if len(session.markedOffsets()) != 0 {
		t.Errorf("expected nothing marked, got %v", session.markedOffsets())
	}
}

func TestProcessBatch_RetryExhaustedGoesToDeadLetter(t *testing.T) {
	requeuer := newFakeRequeuer()
	c := testConsumer(requeuer, outcomesByWallet(map[string]models.Outcome{
		"w1": models.OutcomeRetry,
	}))
	session := newFakeSession(context.Background())

	msg := positionMessage(7, "w1")
	msg.Headers = []*sarama.RecordHeader{
		{Key: []byte(HeaderDeliveryAttempt), Value: []byte("3")},
	}
	if err := c.processBatch(session, []*sarama.ConsumerMessage{msg}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := requeuer.redelivered[7]; ok {
		t.Error("message at max attempts should not be redelivered")
	}
	if _, ok := requeuer.deadLetters[7]; !ok {
		t.Error("expected message to be dead-lettered")
	}
}

func TestProcessBatch_RequeueFailureStopsMarking(t *testing.T) {
	requeuer := newFakeRequeuer()
	c := testConsumer(requeuer, outcomesByWallet(map[string]models.Outcome{
		"w1": models.OutcomeSuccess,
		"w2": models.OutcomeRetry,
		"w3": models.OutcomeSuccess,
	}))
	requeuer.err = errors.New("broker unavailable")
	session := newFakeSession(context.Background())

	err := c.processBatch(session, []*sarama.ConsumerMessage{
		positionMessage(1, "w1"),
		positionMessage(2, "w2"),
		positionMessage(3, "w3"),
	})
	if err == nil {
		t.Fatal("expected error when redelivery fails")
	}

	marked := session.markedOffsets()
	if len(marked) != 1 || marked[0] != 1 {
		t.Errorf("expected only offset 1 marked, got %v", marked)
	}
}

func TestCollectBatch(t *testing.T) {
	t.Run("stops at size", func(t *testing.T) {
		ch := make(chan *sarama.ConsumerMessage, 5)
		for i := 0; i < 5; i++ {
			ch <- &sarama.ConsumerMessage{Offset: int64(i)}
		}

		batch, open := collectBatch(context.Background(), ch, 3, time.Second)
		if len(batch) != 3 || !open {
			t.Errorf("expected 3 messages and open claim, got %d open=%v", len(batch), open)
		}
	})

	t.Run("flushes after wait", func(t *testing.T) {
		ch := make(chan *sarama.ConsumerMessage, 1)
		ch <- &sarama.ConsumerMessage{Offset: 1}

		batch, open := collectBatch(context.Background(), ch, 10, 5*time.Millisecond)
		if len(batch) != 1 || !open {
			t.Errorf("expected 1 message and open claim, got %d open=%v", len(batch), open)
		}
	})

	t.Run("closed claim", func(t *testing.T) {
		ch := make(chan *sarama.ConsumerMessage, 2)
		ch <- &sarama.ConsumerMessage{Offset: 1}
		close(ch)

		batch, open := collectBatch(context.Background(), ch, 10, time.Second)
		if len(batch) != 1 || open {
			t.Errorf("expected 1 message and closed claim, got %d open=%v", len(batch), open)
		}
	})

	t.Run("cancelled session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		batch, open := collectBatch(ctx, make(chan *sarama.ConsumerMessage), 10, time.Second)
		if len(batch) != 0 || open {
			t.Errorf("expected empty batch and closed claim, got %d open=%v", len(batch), open)
		}
	})
}

func TestConsumeClaim_Positions(t *testing.T) {
	requeuer := newFakeRequeuer()
	var batches int
	c := testConsumer(requeuer, func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		batches++
		return make([]models.Outcome, len(events)), nil
	})
	h := &consumerGroupHandler{consumer: c, ready: make(chan bool)}
	session := newFakeSession(context.Background())
	claim := newFakeClaim("wallet.positions",
		positionMessage(1, "w1"),
		positionMessage(2, "w2"),
	)

	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batches != 1 {
		t.Errorf("expected a single batch, got %d", batches)
	}
	if len(session.markedOffsets()) != 2 {
		t.Errorf("expected 2 offsets marked, got %v", session.markedOffsets())
	}
}

func TestConsumeClaim_BatchFailureReturnsError(t *testing.T) {
	c := testConsumer(newFakeRequeuer(), func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		return nil, errors.New("config store down")
	})
	h := &consumerGroupHandler{consumer: c, ready: make(chan bool)}
	session := newFakeSession(context.Background())
	claim := newFakeClaim("wallet.positions", positionMessage(1, "w1"))

	if err := h.ConsumeClaim(session, claim); err == nil {
		t.Fatal("expected claim to end with an error")
	}
	if len(session.markedOffsets()) != 0 {
		t.Errorf("expected nothing marked, got %v", session.markedOffsets())
	}
}

func TestConsumeClaim_Notifications(t *testing.T) {
	c := testConsumer(newFakeRequeuer(), outcomesByWallet(nil))
	var delivered []string
	c.SetNotificationHandler(func(ctx context.Context, n *models.Notification) error {
		delivered = append(delivered, n.SignalID)
		if n.SignalID == "sig-2" {
			return errors.New("telegram down")
		}
		return nil
	})
	h := &consumerGroupHandler{consumer: c, ready: make(chan bool)}
	session := newFakeSession(context.Background())
	claim := newFakeClaim("signals.notifications",
		&sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"type":"NEW_SIGNAL","signal_id":"sig-1"}`)},
		&sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"type":"NEW_SIGNAL","signal_id":"sig-2"}`)},
		&sarama.ConsumerMessage{Offset: 3, Value: []byte(`garbage`)},
	)

	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(delivered) != 2 {
		t.Errorf("expected 2 notifications delivered, got %v", delivered)
	}
	if len(session.markedOffsets()) != 3 {
		t.Errorf("expected every notification marked, got %v", session.markedOffsets())
	}
}

// fakeClock advances only when the consumer sleeps
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) install(c *Consumer) {
	c.now = func() time.Time { return f.now }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		f.now = f.now.Add(d)
		return ctx.Err()
	}
}

// consumed turns a produced message back into what the claim would deliver
func consumed(t *testing.T, msg *sarama.ProducerMessage, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	out := &sarama.ConsumerMessage{Topic: msg.Topic, Offset: offset}
	if msg.Key != nil {
		out.Key, _ = msg.Key.Encode()
	}
	out.Value, _ = msg.Value.Encode()
	for i := range msg.Headers {
		h := msg.Headers[i]
		out.Headers = append(out.Headers, &h)
	}
	return out
}

func TestProcessBatch_RetriesAreSpacedOut(t *testing.T) {
	rec := &recordingProducer{}
	producer := NewProducerWith(rec, "wallet.positions", "signals.notifications", "wallet.positions.dlq")

	var evaluations int
	c := newConsumer(nil, ConsumerConfig{
		PositionTopic:       "wallet.positions",
		MaxDeliveryAttempts: 5,
		RetryBackoff:        time.Second,
		MaxRetryBackoff:     time.Minute,
	}, producer, nil)
	c.SetBatchHandler(func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		evaluations++
		return []models.Outcome{models.OutcomeRetry}, nil
	})
	clock := &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	clock.install(c)
	start := clock.now
	session := newFakeSession(context.Background())

	msg := positionMessage(1, "w1")
	for i := 0; i < 10; i++ {
		if err := c.processBatch(session, []*sarama.ConsumerMessage{msg}); err != nil {
			t.Fatalf("delivery %d: unexpected error: %v", i+1, err)
		}
		last := rec.sent[len(rec.sent)-1]
		if last.Topic == "wallet.positions.dlq" {
			break
		}
		msg = consumed(t, last, int64(i+2))
	}

	if evaluations != 5 {
		t.Errorf("expected 5 evaluations before dead-lettering, got %d", evaluations)
	}
	if rec.sent[len(rec.sent)-1].Topic != "wallet.positions.dlq" {
		t.Fatal("expected the event to end on the dead-letter topic")
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), clock.sleeps)
	}
	for i, w := range want {
		if clock.sleeps[i] != w {
			t.Errorf("wait before attempt %d: expected %v, got %v", i+2, w, clock.sleeps[i])
		}
	}
	if elapsed := clock.now.Sub(start); elapsed < 15*time.Second {
		t.Errorf("expected retries to span at least 15s, got %v", elapsed)
	}
}

func TestProcessBatch_WaitInterruptedMarksNothing(t *testing.T) {
	requeuer := newFakeRequeuer()
	var evaluations int
	c := testConsumer(requeuer, func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error) {
		evaluations++
		return make([]models.Outcome, len(events)), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := newFakeSession(ctx)

	msg := positionMessage(1, "w1")
	due := time.Now().Add(time.Hour)
	msg.Headers = []*sarama.RecordHeader{
		{Key: []byte(HeaderNotBefore), Value: []byte(strconv.FormatInt(due.UnixMilli(), 10))},
	}
	if err := c.processBatch(session, []*sarama.ConsumerMessage{msg}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if evaluations != 0 || len(session.markedOffsets()) != 0 {
		t.Errorf("expected nothing evaluated or marked, got %d evaluations, marked %v", evaluations, session.markedOffsets())
	}
}

func TestRetryDelay(t *testing.T) {
	c := newConsumer(nil, ConsumerConfig{
		RetryBackoff:    2 * time.Second,
		MaxRetryBackoff: 10 * time.Second,
	}, nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// fakeGroup plays a scripted sequence of Consume results
type fakeGroup struct {
	sarama.ConsumerGroup
	mu      sync.Mutex
	script  []func(ctx context.Context, handler sarama.ConsumerGroupHandler) error
	calls   int
	settled chan struct{}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()

	if i < len(g.script) {
		return g.script[i](ctx, handler)
	}
	select {
	case <-g.settled:
	default:
		close(g.settled)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Close() error { return nil }

func (g *fakeGroup) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestStart_FirstConsumeFails(t *testing.T) {
	group := &fakeGroup{
		settled: make(chan struct{}),
		script: []func(context.Context, sarama.ConsumerGroupHandler) error{
			func(ctx context.Context, h sarama.ConsumerGroupHandler) error {
				return sarama.ErrOutOfBrokers
			},
		},
	}
	c := newConsumer(group, ConsumerConfig{PositionTopic: "wallet.positions"}, newFakeRequeuer(), nil)
	c.SetBatchHandler(outcomesByWallet(nil))

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, sarama.ErrOutOfBrokers) {
			t.Errorf("expected ErrOutOfBrokers, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after the first Consume failed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestStart_RejoinsAfterSessionError(t *testing.T) {
	setupThenFail := func(ctx context.Context, h sarama.ConsumerGroupHandler) error {
		if err := h.Setup(nil); err != nil {
			return err
		}
		return errors.New("rebalance failed")
	}
	group := &fakeGroup{
		settled: make(chan struct{}),
		script: []func(context.Context, sarama.ConsumerGroupHandler) error{
			setupThenFail,
			setupThenFail,
			func(ctx context.Context, h sarama.ConsumerGroupHandler) error {
				return errors.New("coordinator not available")
			},
		},
	}
	c := newConsumer(group, ConsumerConfig{PositionTopic: "wallet.positions"}, newFakeRequeuer(), nil)
	c.SetBatchHandler(outcomesByWallet(nil))
	var mu sync.Mutex
	var pauses []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return ctx.Err()
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-group.settled:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not rejoin after failed sessions")
	}
	if err := c.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}

	if n := group.callCount(); n != 4 {
		t.Errorf("expected 4 Consume calls, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(pauses) != 3 {
		t.Errorf("expected a pause after each failed Consume, got %v", pauses)
	}
}
