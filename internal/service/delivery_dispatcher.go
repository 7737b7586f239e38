package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/jobs"
)

const jobTypeBulkDelivery = "bulk_delivery"

// BulkDeliveryPayload identifies the order a queued bulk delivery targets.
type BulkDeliveryPayload struct {
	OrderID string
	Actor   string
}

type bulkDeliverer interface {
	DeliverBulk(ctx context.Context, orderID, actor string) (*models.FulfillmentSummary, error)
}

// DeliveryDispatcher runs bulk voucher deliveries on a background worker
// pool so the confirming request returns immediately. A failed send is
// surfaced as a job error and retried by the queue.
type DeliveryDispatcher struct {
	fulfillment bulkDeliverer
	queue       *jobs.Queue
	logger      *zap.Logger
}

// NewDeliveryDispatcher constructs DeliveryDispatcher with its queue.
func NewDeliveryDispatcher(fulfillment bulkDeliverer, cfg jobs.QueueConfig, logger *zap.Logger) *DeliveryDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &DeliveryDispatcher{fulfillment: fulfillment, logger: logger}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	d.queue = jobs.NewQueue("deliveries", d.handle, cfg)
	return d
}

// Start begins background processing.
func (d *DeliveryDispatcher) Start(ctx context.Context) {
	d.queue.Start(ctx)
}

// Stop drains the workers.
func (d *DeliveryDispatcher) Stop() {
	d.queue.Stop()
}

// EnqueueBulkDelivery schedules a bulk delivery for the given order.
func (d *DeliveryDispatcher) EnqueueBulkDelivery(orderID, actor string) error {
	err := d.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    jobTypeBulkDelivery,
		Payload: BulkDeliveryPayload{OrderID: orderID, Actor: actor},
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to queue delivery")
	}
	return nil
}

func (d *DeliveryDispatcher) handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(BulkDeliveryPayload)
	if !ok {
		d.logger.Error("unexpected job payload", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	summary, err := d.fulfillment.DeliverBulk(ctx, payload.OrderID, payload.Actor)
	if err != nil {
		// a precondition failure will not heal on retry
		if appErr, ok := err.(*appErrors.Error); ok && appErr.Status < 500 {
			d.logger.Warn("bulk delivery rejected",
				zap.String("order_id", payload.OrderID),
				zap.String("code", appErr.Code))
			return nil
		}
		return err
	}
	if summary.FailedCount > 0 {
		return fmt.Errorf("bulk delivery for order %s failed, vouchers stay bound", payload.OrderID)
	}
	d.logger.Info("bulk delivery completed",
		zap.String("order_id", payload.OrderID),
		zap.String("fulfillment_status", string(summary.FulfillmentStatus)))
	return nil
}
