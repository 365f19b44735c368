package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/trogers1052/convergence-service/internal/models"
	"go.uber.org/zap"
)

// BatchHandler evaluates decoded position events. A non-nil error means the
// batch could not be started and every message must be redelivered;
// otherwise exactly one outcome per event is returned.
type BatchHandler func(ctx context.Context, events []*models.PositionEvent) ([]models.Outcome, error)

// NotificationHandler is called for each message on the notification topic
type NotificationHandler func(ctx context.Context, n *models.Notification) error

// Requeuer sends messages back to the position topic or to the dead-letter topic.
// A redelivered message must not be evaluated before notBefore.
type Requeuer interface {
	Redeliver(ctx context.Context, msg *sarama.ConsumerMessage, attempt int, notBefore time.Time) error
	DeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, cause string) error
}

// ConsumerConfig holds consumer group settings
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	PositionTopic       string
	NotificationTopic   string
	BatchSize           int
	BatchWait           time.Duration
	MaxDeliveryAttempts int
	RetryBackoff        time.Duration // first redelivery delay, doubled per attempt
	MaxRetryBackoff     time.Duration // cap on the redelivery delay
}

// Consumer wraps Sarama consumer group for Kafka consumption
type Consumer struct {
	client              sarama.ConsumerGroup
	cfg                 ConsumerConfig
	requeuer            Requeuer
	batchHandler        BatchHandler
	notificationHandler NotificationHandler
	logger              *zap.Logger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, requeuer Requeuer, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_8_0_0

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return newConsumer(client, cfg, requeuer, logger), nil
}

func newConsumer(client sarama.ConsumerGroup, cfg ConsumerConfig, requeuer Requeuer, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 500 * time.Millisecond
	}
	if cfg.MaxDeliveryAttempts < 1 {
		cfg.MaxDeliveryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	return &Consumer{
		client:   client,
		cfg:      cfg,
		requeuer: requeuer,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetBatchHandler sets the handler for position event batches
func (c *Consumer) SetBatchHandler(handler BatchHandler) {
	c.batchHandler = handler
}

// SetNotificationHandler enables consumption of the notification topic
func (c *Consumer) SetNotificationHandler(handler NotificationHandler) {
	c.notificationHandler = handler
}

// Start begins consuming messages from the configured topics. It returns
// once the first session is set up, or with the error of a first Consume
// call that fails before that.
func (c *Consumer) Start(ctx context.Context) error {
	if c.batchHandler == nil {
		return errors.New("batch handler is required")
	}

	ctx, c.cancel = context.WithCancel(ctx)

	topics := []string{c.cfg.PositionTopic}
	if c.notificationHandler != nil {
		topics = append(topics, c.cfg.NotificationTopic)
	}

	firstReady := make(chan bool)
	startErr := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ready := firstReady
		started := false
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    ready,
			}

			err := c.client.Consume(ctx, topics, handler)
			if ctx.Err() != nil {
				return
			}

			setUp := isClosed(ready)
			if setUp {
				started = true
				ready = make(chan bool)
			} else if !started && err != nil {
				startErr <- err
				return
			}

			if err != nil {
				c.logger.Error("error from consumer", zap.Error(err))
			}
			if err != nil || !setUp {
				if c.sleep(ctx, c.cfg.RetryBackoff) != nil {
					return
				}
			}
		}
	}()

	select {
	case <-firstReady:
	case err := <-startErr:
		return fmt.Errorf("failed to join consumer group: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info("kafka consumer started and ready", zap.Strings("topics", topics))
	return nil
}

func isClosed(ch chan bool) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Close stops the consumer gracefully
func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.client.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	if claim.Topic() == c.cfg.NotificationTopic && c.notificationHandler != nil {
		return c.consumeNotifications(session, claim)
	}
	return c.consumePositions(session, claim)
}

// consumePositions reads the claim in batches. Returning an error ends the
// session without marking the failed offsets, so Kafka redelivers them.
func (c *Consumer) consumePositions(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		batch, open := collectBatch(ctx, claim.Messages(), c.cfg.BatchSize, c.cfg.BatchWait)
		if len(batch) > 0 {
			if err := c.processBatch(session, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("stopping claim for redelivery",
					zap.String("topic", claim.Topic()),
					zap.Int32("partition", claim.Partition()),
					zap.Int64("offset", batch[0].Offset),
					zap.Error(err),
				)
				_ = c.sleep(ctx, c.cfg.RetryBackoff)
				return err
			}
		}
		if !open {
			return nil
		}
	}
}

// collectBatch blocks for the first message, then gathers up to size
// messages or until wait elapses. open is false once the claim is closed or
// the session ends; a batch cut short by the session ending is dropped.
func collectBatch(ctx context.Context, messages <-chan *sarama.ConsumerMessage, size int, wait time.Duration) ([]*sarama.ConsumerMessage, bool) {
	var batch []*sarama.ConsumerMessage

	select {
	case msg, ok := <-messages:
		if !ok {
			return nil, false
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(batch) < size {
		select {
		case msg, ok := <-messages:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return nil, false
		}
	}
	return batch, true
}

// processBatch decodes, evaluates and settles a batch in offset order.
func (c *Consumer) processBatch(session sarama.ConsumerGroupSession, batch []*sarama.ConsumerMessage) error {
	ctx := session.Context()
	if err := c.waitUntilDue(ctx, batch); err != nil {
		return err
	}

	outcomes := make([]models.Outcome, len(batch))

	events := make([]*models.PositionEvent, 0, len(batch))
	index := make([]int, 0, len(batch))
	for i, msg := range batch {
		event, err := models.DecodePositionEvent(msg.Value)
		if err != nil {
			c.logger.Warn("failed to decode position event",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			outcomes[i] = models.OutcomePoison
			continue
		}
		events = append(events, event)
		index = append(index, i)
	}

	if len(events) > 0 {
		results, err := c.batchHandler(ctx, events)
		if err != nil {
			return fmt.Errorf("batch of %d messages failed before processing: %w", len(batch), err)
		}
		if len(results) != len(events) {
			return fmt.Errorf("handler returned %d outcomes for %d events", len(results), len(events))
		}
		for j, outcome := range results {
			outcomes[index[j]] = outcome
		}
	}

	for i, msg := range batch {
		if err := c.settle(ctx, msg, outcomes[i]); err != nil {
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// settle makes sure a message can be marked: retries are re-enqueued and
// poison messages are dead-lettered first.
func (c *Consumer) settle(ctx context.Context, msg *sarama.ConsumerMessage, outcome models.Outcome) error {
	switch outcome {
	case models.OutcomeSuccess:
		return nil

	case models.OutcomeRetry:
		attempt := deliveryAttempt(msg.Headers)
		if attempt >= c.cfg.MaxDeliveryAttempts {
			c.logger.Warn("giving up on position event",
				zap.Int64("offset", msg.Offset),
				zap.Int("attempts", attempt),
			)
			return c.requeuer.DeadLetter(ctx, msg, fmt.Sprintf("retries exhausted after %d attempts", attempt))
		}
		next := attempt + 1
		return c.requeuer.Redeliver(ctx, msg, next, c.now().Add(c.retryDelay(next)))

	case models.OutcomePoison:
		return c.requeuer.DeadLetter(ctx, msg, "poison message")

	default:
		return fmt.Errorf("unknown outcome %d", outcome)
	}
}

// retryDelay is the wait before delivery attempt n (n >= 2): RetryBackoff
// doubled for every earlier retry, capped at MaxRetryBackoff.
func (c *Consumer) retryDelay(attempt int) time.Duration {
	delay := c.cfg.RetryBackoff
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxRetryBackoff {
			return c.cfg.MaxRetryBackoff
		}
	}
	if delay > c.cfg.MaxRetryBackoff {
		return c.cfg.MaxRetryBackoff
	}
	return delay
}

// waitUntilDue holds the batch until the latest not-before header in it has
// passed. Redelivered messages trail the ones they were retried behind, so
// the wait mostly lands on retries.
func (c *Consumer) waitUntilDue(ctx context.Context, batch []*sarama.ConsumerMessage) error {
	var due time.Time
	for _, msg := range batch {
		if nb, ok := notBefore(msg.Headers); ok && nb.After(due) {
			due = nb
		}
	}
	if due.IsZero() {
		return nil
	}
	wait := due.Sub(c.now())
	if wait <= 0 {
		return nil
	}
	c.logger.Debug("delaying redelivered batch",
		zap.Int64("offset", batch[0].Offset),
		zap.Duration("wait", wait),
	)
	return c.sleep(ctx, wait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consumeNotifications delivers notifications one at a time. Delivery is
// best effort, so every message is marked.
func (c *Consumer) consumeNotifications(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			ctx := session.Context()

			n, err := models.DecodeNotification(message.Value)
			if err != nil {
				c.logger.Warn("failed to unmarshal notification", zap.Error(err))
				session.MarkMessage(message, "")
				continue
			}

			if err := c.notificationHandler(ctx, n); err != nil {
				c.logger.Error("failed to handle notification",
					zap.String("signal_id", n.SignalID),
					zap.Error(err),
				)
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
