// Package outbox implements the transactional outbox dispatcher (§4.E): a
// background worker that claims pending outbox rows, publishes them to
// the bus grouped by topic, and marks them published — generalizing the
// teacher's SchedulerWorker/RetryWorker ticker+select polling loop from a
// single-table DB poll into a claim-lease-then-publish cycle.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/metrics"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

type Dispatcher struct {
	repo            repository.OutboxRepository
	producer        bus.Producer
	workerID        string
	pollInterval    time.Duration
	batchSize       int
	claimLease      time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	logger          *zap.Logger
	metrics         metrics.Recorder
}

func NewDispatcher(
	repo repository.OutboxRepository,
	producer bus.Producer,
	workerID string,
	pollInterval time.Duration,
	batchSize int,
	claimLease time.Duration,
	cleanupInterval time.Duration,
	retention time.Duration,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:            repo,
		producer:        producer,
		workerID:        workerID,
		pollInterval:    pollInterval,
		batchSize:       batchSize,
		claimLease:      claimLease,
		cleanupInterval: cleanupInterval,
		retention:       retention,
		logger:          logger,
		metrics:         metrics.Noop{},
	}
}

// SetMetrics attaches a metrics recorder, replacing the no-op default.
func (d *Dispatcher) SetMetrics(m metrics.Recorder) {
	d.metrics = m
}

// Run ticks poll and cleanup on independent intervals until ctx is
// cancelled. On shutdown it leaves any in-flight claims behind; they
// expire by lease and are picked up again by this or another dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	pollTicker := time.NewTicker(d.pollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(d.cleanupInterval)
	defer cleanupTicker.Stop()

	d.logger.Info("outbox dispatcher started",
		zap.String("worker_id", d.workerID),
		zap.Duration("poll_interval", d.pollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopping")
			return
		case <-pollTicker.C:
			d.pollOnce(ctx)
		case <-cleanupTicker.C:
			d.cleanupOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	rows, err := d.repo.ClaimBatch(ctx, d.workerID, d.claimLease, d.batchSize)
	if err != nil {
		d.logger.Error("claim outbox batch failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	byTopic := make(map[string][]*domain.OutboxRow)
	for _, row := range rows {
		byTopic[row.Topic] = append(byTopic[row.Topic], row)
	}

	for topic, group := range byTopic {
		d.publishGroup(ctx, topic, group)
	}
}

func (d *Dispatcher) publishGroup(ctx context.Context, topic string, group []*domain.OutboxRow) {
	msgs := make([]bus.Message, len(group))
	ids := make([]int64, len(group))
	for i, row := range group {
		msgs[i] = bus.Message{Topic: topic, Key: []byte(row.NID), Value: row.Payload}
		ids[i] = row.RowID
	}

	if err := d.producer.PublishBatch(ctx, msgs); err != nil {
		// Leave rows claimed; the next poll (this worker, once its own
		// lease expires) or another worker will retry per §4.E step 5.
		d.logger.Warn("publish outbox batch failed, rows remain claimed",
			zap.String("topic", topic), zap.Int("count", len(group)), zap.Error(err))
		d.metrics.ObservePublish(topic, false)
		return
	}
	d.metrics.ObservePublish(topic, true)

	var advanceNIDs []string
	if topic != domain.DelayedNotificationTopic {
		advanceNIDs = make([]string, len(group))
		for i, row := range group {
			advanceNIDs[i] = row.NID
		}
	}

	if err := d.repo.MarkPublishedAndAdvance(ctx, ids, advanceNIDs); err != nil {
		d.logger.Error("mark outbox rows published failed",
			zap.String("topic", topic), zap.Int("count", len(group)), zap.Error(err))
		return
	}

	d.logger.Info("published outbox batch", zap.String("topic", topic), zap.Int("count", len(group)))
}

func (d *Dispatcher) cleanupOnce(ctx context.Context) {
	removed, err := d.repo.CleanupPublished(ctx, time.Now().UTC().Add(-d.retention))
	if err != nil {
		d.logger.Error("outbox cleanup failed", zap.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Info("cleaned up published outbox rows", zap.Int64("count", removed))
	}
}
