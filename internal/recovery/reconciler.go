// Package recovery implements the reconciliation loop (§4.J): the sole
// consumer of the status-outbox table, and the backstop that heals
// notifications the rest of the pipeline lost track of. It follows the
// teacher's SchedulerWorker ticker+select idiom, generalized to a
// multi-pass reconciliation run instead of a single DB poll.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/event-driven-arch/internal/bus"
	"github.com/notifyhub/event-driven-arch/internal/coordination"
	"github.com/notifyhub/event-driven-arch/internal/domain"
	"github.com/notifyhub/event-driven-arch/internal/metrics"
	"github.com/notifyhub/event-driven-arch/internal/repository"
)

// Reconciler runs three passes on each tick: drain the status outbox
// (healing any ghost delivery it reveals), find notifications stuck in
// processing, and count orphaned-pending notifications against the
// operator-configured thresholds.
type Reconciler struct {
	notifications repository.NotificationRepository
	outbox        repository.OutboxRepository
	statusOutbox  repository.StatusOutboxRepository
	alerts        repository.AlertRepository
	coord         *coordination.Client
	producer      bus.Producer

	workerID  string
	interval  time.Duration
	batchSize int

	stuckThreshold          time.Duration
	stuckAlertThreshold     time.Duration
	orphanThreshold         time.Duration
	orphanAlertThreshold    int
	orphanCriticalThreshold int
	statusClaimLease        time.Duration

	logger  *zap.Logger
	metrics metrics.Recorder
}

func NewReconciler(
	notifications repository.NotificationRepository,
	outbox repository.OutboxRepository,
	statusOutbox repository.StatusOutboxRepository,
	alerts repository.AlertRepository,
	coord *coordination.Client,
	producer bus.Producer,
	workerID string,
	interval time.Duration,
	batchSize int,
	stuckThreshold time.Duration,
	stuckAlertThreshold time.Duration,
	orphanThreshold time.Duration,
	orphanAlertThreshold int,
	orphanCriticalThreshold int,
	statusClaimLease time.Duration,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		notifications:           notifications,
		outbox:                  outbox,
		statusOutbox:            statusOutbox,
		alerts:                  alerts,
		coord:                   coord,
		producer:                producer,
		workerID:                workerID,
		interval:                interval,
		batchSize:               batchSize,
		stuckThreshold:          stuckThreshold,
		stuckAlertThreshold:     stuckAlertThreshold,
		orphanThreshold:         orphanThreshold,
		orphanAlertThreshold:    orphanAlertThreshold,
		orphanCriticalThreshold: orphanCriticalThreshold,
		statusClaimLease:        statusClaimLease,
		logger:                  logger,
		metrics:                 metrics.Noop{},
	}
}

// SetMetrics attaches a metrics recorder, replacing the no-op default.
func (r *Reconciler) SetMetrics(m metrics.Recorder) {
	r.metrics = m
}

// Run ticks on interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("recovery reconciler started", zap.String("worker_id", r.workerID), zap.Duration("interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recovery reconciler stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes all three passes. Exported so the admin surface can
// trigger an out-of-band run.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.drainStatusOutbox(ctx)
	r.reconcileStuckProcessing(ctx)
	r.reconcileOrphanedPending(ctx)
}

// drainStatusOutbox claims terminal-outcome rows the dispatch consumer
// recorded and cross-checks each against its notification. A notification
// still short of the matching terminal status despite a durable outcome
// row is a ghost delivery: the send or failure happened but the bus
// message that should have carried it to the store never landed. Healing
// here means applying the terminal status directly from the durable
// record instead of waiting on a status message that is never coming.
func (r *Reconciler) drainStatusOutbox(ctx context.Context) {
	rows, err := r.statusOutbox.ClaimBatch(ctx, r.workerID, r.statusClaimLease, r.batchSize)
	if err != nil {
		r.logger.Error("recovery: claim status outbox batch failed", zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}

	var processed []int64
	for _, row := range rows {
		if r.healFromStatusOutboxRow(ctx, row) {
			processed = append(processed, row.RowID)
		}
	}
	if len(processed) == 0 {
		return
	}
	if err := r.statusOutbox.MarkProcessed(ctx, processed); err != nil {
		r.logger.Error("recovery: mark status outbox rows processed failed", zap.Error(err))
	}
}

func (r *Reconciler) healFromStatusOutboxRow(ctx context.Context, row *domain.StatusOutboxRow) bool {
	log := r.logger.With(zap.String("nid", row.NID), zap.String("status", string(row.Status)))

	n, err := r.notifications.GetByNID(ctx, row.NID)
	if err != nil {
		log.Warn("recovery: notification for status outbox row not found, dropping row", zap.Error(err))
		return true
	}

	wantStatus := domain.StatusFailed
	if row.Status == domain.StatusOutboxDelivered {
		wantStatus = domain.StatusDelivered
	}
	if n.Status == wantStatus {
		return true
	}

	log.Warn("recovery: ghost delivery detected, healing notification from durable status record",
		zap.String("current_status", string(n.Status)))

	healMessage := "healed by recovery reconciler after ghost delivery"
	var healErr error
	if row.Status == domain.StatusOutboxDelivered {
		healErr = r.notifications.MarkDelivered(ctx, row.NID, "")
	} else {
		healErr = r.notifications.MarkFailed(ctx, row.NID, healMessage)
	}
	if healErr != nil {
		log.Error("recovery: heal ghost delivery failed, will retry next pass", zap.Error(healErr))
		return false
	}

	if err := r.publishStatus(ctx, n, string(wantStatus), healMessage); err != nil {
		log.Error("recovery: publish healed status failed, webhook will not re-fire", zap.Error(err))
	}

	nid := row.NID
	if err := r.alerts.InsertOrEscalate(ctx, &domain.Alert{
		NID:      &nid,
		Type:     domain.AlertGhostDelivery,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("notification healed to %s from a durable status record the bus never delivered", wantStatus),
	}); err != nil {
		log.Error("recovery: record ghost delivery alert failed", zap.Error(err))
	} else {
		r.metrics.ObserveAlert(string(domain.AlertGhostDelivery))
	}
	return true
}

// publishStatus re-fires the client's webhook by publishing the same
// status-message shape dispatch/consumer.go's publishStatus builds, so a
// notification this reconciler heals looks indistinguishable downstream
// from one the dispatch consumer resolved normally.
func (r *Reconciler) publishStatus(ctx context.Context, n *domain.Notification, status, message string) error {
	sm := domain.StatusMessage{
		NotificationID: n.NID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Status:         status,
		Message:        message,
		RetryCount:     n.RetryCount,
		WebhookURL:     n.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
	body, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	return r.producer.Publish(ctx, bus.Message{
		Topic: domain.NotificationStatusTopic,
		Key:   []byte(n.NID),
		Value: body,
	})
}

// reconcileStuckProcessing finds notifications that have sat in
// processing past stuckThreshold. One whose idempotency record is already
// terminal is healed to that outcome; every other one is reset for
// re-delivery, and a stuck_processing alert is raised as well once it has
// sat past stuckAlertThreshold.
func (r *Reconciler) reconcileStuckProcessing(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.stuckThreshold)
	stuck, err := r.notifications.FindStuckProcessing(ctx, cutoff, r.batchSize)
	if err != nil {
		r.logger.Error("recovery: find stuck processing failed", zap.Error(err))
		return
	}

	for _, n := range stuck {
		r.reconcileOneStuck(ctx, n)
	}
}

func (r *Reconciler) reconcileOneStuck(ctx context.Context, n *domain.Notification) {
	log := r.logger.With(zap.String("nid", n.NID))

	status, ok, err := r.coord.IdempotencyStatus(ctx, n.NID)
	if err != nil {
		log.Error("recovery: idempotency status lookup failed", zap.Error(err))
		return
	}
	if ok && status == "delivered" {
		r.healStuckFromIdempotencyRecord(ctx, log, n, domain.StatusDelivered, "")
		return
	}
	if ok && status == "failed" {
		r.healStuckFromIdempotencyRecord(ctx, log, n, domain.StatusFailed, "healed by recovery reconciler")
		return
	}

	age := time.Since(n.UpdatedAt)
	if age >= r.stuckAlertThreshold {
		if err := r.alerts.InsertOrEscalate(ctx, &domain.Alert{
			NID:      &n.NID,
			Type:     domain.AlertStuckProcessing,
			Severity: severityForStuckAge(age, r.stuckAlertThreshold),
			Message:  fmt.Sprintf("notification stuck in processing for %s", age.Round(time.Second)),
			Metadata: map[string]any{"stuck_since": n.UpdatedAt},
		}); err != nil {
			log.Error("recovery: record stuck processing alert failed", zap.Error(err))
		} else {
			r.metrics.ObserveAlert(string(domain.AlertStuckProcessing))
		}
	}

	if err := r.resetForRedelivery(ctx, n); err != nil {
		log.Error("recovery: reset stuck notification to pending failed", zap.Error(err))
	}
}

// healStuckFromIdempotencyRecord applies a terminal outcome the
// coordination store already recorded to a notification still stuck in
// processing — the same ghost-delivery condition drainStatusOutbox heals,
// discovered here via the idempotency record instead of the status
// outbox.
func (r *Reconciler) healStuckFromIdempotencyRecord(ctx context.Context, log *zap.Logger, n *domain.Notification, wantStatus domain.Status, failMessage string) {
	var healErr error
	if wantStatus == domain.StatusDelivered {
		healErr = r.notifications.MarkDelivered(ctx, n.NID, "")
	} else {
		healErr = r.notifications.MarkFailed(ctx, n.NID, failMessage)
	}
	if healErr != nil {
		log.Error("recovery: heal ghost delivery from idempotency record failed", zap.String("want_status", string(wantStatus)), zap.Error(healErr))
		return
	}

	if err := r.publishStatus(ctx, n, string(wantStatus), failMessage); err != nil {
		log.Error("recovery: publish healed status failed, webhook will not re-fire", zap.Error(err))
	}

	if err := r.alerts.InsertOrEscalate(ctx, &domain.Alert{
		NID:      &n.NID,
		Type:     domain.AlertGhostDelivery,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("notification healed to %s from a durable idempotency record the bus never delivered", wantStatus),
	}); err != nil {
		log.Error("recovery: record ghost delivery alert failed", zap.Error(err))
	} else {
		r.metrics.ObserveAlert(string(domain.AlertGhostDelivery))
	}
}

func severityForStuckAge(age, alertThreshold time.Duration) domain.AlertSeverity {
	if age >= 3*alertThreshold {
		return domain.SeverityCritical
	}
	if age >= 2*alertThreshold {
		return domain.SeverityError
	}
	return domain.SeverityWarning
}

// resetForRedelivery reverts n to pending and gives it a fresh outbox
// row, the same pairing CreateWithOutbox guarantees at ingest time. The
// two writes are not transactional: a crash between them leaves a
// pending notification without an outbox row. Neither pass resets it
// again; the orphan pass only counts it toward the orphaned_pending alert.
func (r *Reconciler) resetForRedelivery(ctx context.Context, n *domain.Notification) error {
	if err := r.notifications.ResetToPending(ctx, n.NID, nil); err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	topic, payload, err := buildRetryOutboxPayload(n)
	if err != nil {
		return fmt.Errorf("build retry outbox payload: %w", err)
	}
	if err := r.outbox.InsertForExisting(ctx, n.NID, topic, payload); err != nil {
		return fmt.Errorf("insert retry outbox row: %w", err)
	}
	return nil
}

// reconcileOrphanedPending raises a single aggregate alert (invariant
// A1 treats NID-less alerts as one per type) once the pending backlog
// crosses the operator's warning or critical threshold.
func (r *Reconciler) reconcileOrphanedPending(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.orphanThreshold)
	// One more than the critical threshold is enough to classify severity
	// without needing an exact count past that point.
	orphaned, err := r.notifications.FindOrphanedPending(ctx, cutoff, r.orphanCriticalThreshold+1)
	if err != nil {
		r.logger.Error("recovery: find orphaned pending failed", zap.Error(err))
		return
	}

	count := len(orphaned)
	if count < r.orphanAlertThreshold {
		return
	}

	severity := domain.SeverityWarning
	if count > r.orphanCriticalThreshold {
		severity = domain.SeverityCritical
	}

	if err := r.alerts.InsertOrEscalate(ctx, &domain.Alert{
		Type:     domain.AlertOrphanedPending,
		Severity: severity,
		Message:  fmt.Sprintf("%d notifications pending longer than %s", count, r.orphanThreshold),
		Metadata: map[string]any{"count": count},
	}); err != nil {
		r.logger.Error("recovery: record orphaned pending alert failed", zap.Error(err))
	} else {
		r.metrics.ObserveAlert(string(domain.AlertOrphanedPending))
	}
}

// ResolveAlert implements the manual-intervention flow exposed by the
// admin surface: resolving a stuck_processing alert for a specific
// notification re-queues it for delivery with an operator-visible warning
// appended to its content; other alert types (ghost_delivery included)
// are simply marked resolved once the operator has acted out of band.
func (r *Reconciler) ResolveAlert(ctx context.Context, alertID, operatorNote string) error {
	alert, err := r.alerts.GetByID(ctx, alertID)
	if err != nil {
		return fmt.Errorf("get alert: %w", err)
	}

	if alert.Type == domain.AlertStuckProcessing && alert.NID != nil {
		if err := r.manualRedeliver(ctx, *alert.NID, operatorNote); err != nil {
			return fmt.Errorf("manual redeliver: %w", err)
		}
	}

	return r.alerts.Resolve(ctx, alertID)
}

func (r *Reconciler) manualRedeliver(ctx context.Context, nid, operatorNote string) error {
	n, err := r.notifications.GetByNID(ctx, nid)
	if err != nil {
		return err
	}

	warning := "manual intervention: re-queued by operator"
	if operatorNote != "" {
		warning = warning + " (" + operatorNote + ")"
	}
	content, err := domain.AppendWarningToContent(n.Content, n.Channel, warning)
	if err != nil {
		return fmt.Errorf("append operator warning: %w", err)
	}

	if err := r.notifications.ResetToPending(ctx, nid, &content); err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	n.Content = content
	topic, payload, err := buildRetryOutboxPayload(n)
	if err != nil {
		return fmt.Errorf("build retry outbox payload: %w", err)
	}
	return r.outbox.InsertForExisting(ctx, nid, topic, payload)
}

func buildRetryOutboxPayload(n *domain.Notification) (topic string, payload domain.RawPayload, err error) {
	msg := domain.ChannelMessage{
		NotificationID: n.NID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Provider:       n.Provider,
		Recipient:      n.Recipient,
		Content:        n.Content,
		Variables:      n.Variables,
		WebhookURL:     n.WebhookURL,
		RetryCount:     0,
		CreatedAt:      time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", nil, err
	}
	return domain.ChannelTopic(n.Channel), domain.RawPayload(body), nil
}
