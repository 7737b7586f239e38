package service

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/certsouq/certsouq-api/internal/models"
	appErrors "github.com/certsouq/certsouq-api/pkg/errors"
	"github.com/certsouq/certsouq-api/pkg/mailer"
)

type fulfillmentOrderRepository interface {
	FindDetailByID(ctx context.Context, id string) (*models.OrderDetail, error)
	ListRecipients(ctx context.Context, orderID string) ([]models.OrderRecipient, error)
	UpdateRecipient(ctx context.Context, orderID, email string, voucherID *string, status models.RecipientDeliveryStatus, deliveredAt *time.Time, lastError *string) error
	UpdateFulfillment(ctx context.Context, id string, status models.FulfillmentStatus, fulfilledAt *time.Time) error
}

type fulfillmentVoucherRepository interface {
	FindByID(ctx context.Context, id string) (*models.Voucher, error)
	List(ctx context.Context, filter models.VoucherFilter) ([]models.Voucher, int, error)
	CountAvailable(ctx context.Context, certificateID string, now time.Time) (int, error)
	ListAvailable(ctx context.Context, certificateID string, now time.Time, limit int) ([]models.Voucher, error)
	AssignAvailable(ctx context.Context, id string, a models.VoucherAssignment, now time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id string, now time.Time) (bool, error)
	RecordDeliveryError(ctx context.Context, id, message string, now time.Time) error
	AppendHistory(ctx context.Context, entry *models.VoucherHistoryEntry) error
}

type fulfillmentBatchRepository interface {
	BatchIDsForOrder(ctx context.Context, orderID string) ([]string, error)
	RefreshCounters(ctx context.Context, batchID string) error
}

type recipientMirrorWriter interface {
	Upsert(ctx context.Context, rec *models.VoucherRecipient) error
}

// FulfillmentService runs the claim-assign-deliver engine for paid orders.
// A pass walks the order's eligible recipients in list order, binds each to
// the soonest-expiring available voucher and emails it. Failures are
// isolated per recipient; re-running a pass picks up only PENDING and
// FAILED recipients and reuses vouchers already bound to them.
type FulfillmentService struct {
	orders   fulfillmentOrderRepository
	vouchers fulfillmentVoucherRepository
	batches  fulfillmentBatchRepository
	mirror   recipientMirrorWriter
	sender   mailer.Sender
	metrics  *MetricsService
	logger   *zap.Logger
}

// NewFulfillmentService constructs FulfillmentService.
func NewFulfillmentService(orders fulfillmentOrderRepository, vouchers fulfillmentVoucherRepository, batches fulfillmentBatchRepository, mirror recipientMirrorWriter, sender mailer.Sender, metrics *MetricsService, logger *zap.Logger) *FulfillmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FulfillmentService{orders: orders, vouchers: vouchers, batches: batches, mirror: mirror, sender: sender, metrics: metrics, logger: logger}
}

// Fulfill runs one delivery pass over a DIRECT_TO_STUDENTS order.
//
// Before touching anything it verifies the order is paid, has recipients,
// has at least one eligible recipient, and that enough available vouchers
// exist to cover every eligible recipient not already bound to one. If any
// check fails the pass aborts with no state change.
func (s *FulfillmentService) Fulfill(ctx context.Context, orderID, actor string) (*models.FulfillmentSummary, error) {
	order, recipients, err := s.loadOrder(ctx, orderID, models.DeliveryDirectToStudents)
	if err != nil {
		return nil, err
	}

	eligible := eligibleRecipients(recipients)
	if len(eligible) == 0 {
		return nil, appErrors.ErrNothingToFulfill
	}

	now := time.Now().UTC()
	unbound := 0
	for _, rec := range eligible {
		if rec.VoucherID == nil {
			unbound++
		}
	}
	if unbound > 0 {
		countStart := time.Now()
		available, err := s.vouchers.CountAvailable(ctx, order.CertificateID, now)
		s.metrics.ObserveDBQuery("count_available_vouchers", time.Since(countStart))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count inventory")
		}
		if available < unbound {
			return nil, appErrors.ErrInsufficientInventory
		}
	}

	candidates, err := s.newCandidateQueue(ctx, order.CertificateID, now, unbound)
	if err != nil {
		return nil, err
	}

	summary := &models.FulfillmentSummary{OrderID: order.ID}
	for _, rec := range eligible {
		result := s.deliverToRecipient(ctx, order, rec, candidates, actor)
		if result.Success {
			summary.SentCount++
		} else {
			summary.FailedCount++
		}
		summary.Results = append(summary.Results, result)
	}

	summary.FulfillmentStatus = s.concludePass(ctx, order, recipients, summary)
	summary.CompletedAt = time.Now().UTC()

	s.refreshOrderBatches(ctx, order.ID)

	s.logger.Info("fulfillment pass completed",
		zap.String("order_id", order.ID),
		zap.Int("sent", summary.SentCount),
		zap.Int("failed", summary.FailedCount),
		zap.String("fulfillment_status", string(summary.FulfillmentStatus)))
	return summary, nil
}

// DeliverBulk sends every code of a BULK_TO_CONTACT order in a single email
// to the order's contact. All vouchers are claimed up front; a send failure
// leaves them bound so a retry resends the same codes.
func (s *FulfillmentService) DeliverBulk(ctx context.Context, orderID, actor string) (*models.FulfillmentSummary, error) {
	order, _, err := s.loadOrder(ctx, orderID, models.DeliveryBulkToContact)
	if err != nil {
		return nil, err
	}

	if order.FulfillmentStatus == models.FulfillmentDelivered {
		return nil, appErrors.ErrNothingToFulfill
	}

	now := time.Now().UTC()
	bound, err := s.boundVouchers(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	needed := order.Quantity - len(bound)
	if needed > 0 {
		countStart := time.Now()
		available, err := s.vouchers.CountAvailable(ctx, order.CertificateID, now)
		s.metrics.ObserveDBQuery("count_available_vouchers", time.Since(countStart))
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count inventory")
		}
		if available < needed {
			return nil, appErrors.ErrInsufficientInventory
		}
		claimed, err := s.claimForContact(ctx, order, needed, actor, now)
		if err != nil {
			return nil, err
		}
		bound = append(bound, claimed...)
	}

	codes := make([]string, len(bound))
	var expiry time.Time
	for i, v := range bound {
		codes[i] = v.Code
		if expiry.IsZero() || v.ExpiresAt.Before(expiry) {
			expiry = v.ExpiresAt
		}
	}

	institutionName := order.CustomerName
	if order.InstitutionName != nil {
		institutionName = *order.InstitutionName
	}
	msg, err := mailer.RenderBulkEmail(mailer.BulkEmailData{
		ContactName:     order.CustomerName,
		CertificateEN:   order.CertificateNameEN,
		CertificateAR:   order.CertificateNameAR,
		InstitutionName: institutionName,
		ExpiresAt:       expiry.Format("2 January 2006"),
		Codes:           codes,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render bulk email")
	}
	msg.ToEmail = order.CustomerEmail

	summary := &models.FulfillmentSummary{OrderID: order.ID}
	sendStart := time.Now()
	if err := s.sender.Send(ctx, msg); err != nil {
		s.metrics.RecordDelivery(false, time.Since(sendStart))
		sendErr := err.Error()
		for _, v := range bound {
			if recErr := s.vouchers.RecordDeliveryError(ctx, v.ID, sendErr, now); recErr != nil {
				s.logger.Warn("failed to record delivery error", zap.String("voucher_id", v.ID), zap.Error(recErr))
			}
		}
		summary.FailedCount = 1
		summary.FulfillmentStatus = models.FulfillmentProcessing
		summary.Results = append(summary.Results, models.RecipientResult{
			Email: order.CustomerEmail, Name: order.CustomerName, Success: false, Error: sendErr,
		})
		summary.CompletedAt = time.Now().UTC()
		return summary, nil
	}

	s.metrics.RecordDelivery(true, time.Since(sendStart))
	deliveredAt := time.Now().UTC()
	for _, v := range bound {
		if _, err := s.vouchers.MarkDelivered(ctx, v.ID, deliveredAt); err != nil {
			s.logger.Warn("failed to mark voucher delivered", zap.String("voucher_id", v.ID), zap.Error(err))
			continue
		}
		s.appendHistory(ctx, v.ID, models.VoucherActionDelivered, actor, "bulk delivery to "+order.CustomerEmail)
	}
	if err := s.orders.UpdateFulfillment(ctx, order.ID, models.FulfillmentDelivered, &deliveredAt); err != nil {
		s.logger.Warn("failed to update order fulfillment", zap.String("order_id", order.ID), zap.Error(err))
	}
	s.refreshOrderBatches(ctx, order.ID)

	summary.SentCount = 1
	summary.FulfillmentStatus = models.FulfillmentDelivered
	summary.Results = append(summary.Results, models.RecipientResult{
		Email: order.CustomerEmail, Name: order.CustomerName, Success: true,
	})
	summary.CompletedAt = deliveredAt
	return summary, nil
}

func (s *FulfillmentService) loadOrder(ctx context.Context, orderID string, method models.DeliveryMethod) (*models.OrderDetail, []models.OrderRecipient, error) {
	order, err := s.orders.FindDetailByID(ctx, orderID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "order not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load order")
	}
	if order.Status != models.OrderStatusPaid {
		return nil, nil, appErrors.ErrOrderNotPaid
	}
	if order.DeliveryMethod != method {
		return nil, nil, appErrors.ErrWrongDeliveryMethod
	}
	if order.CertificateCode == "" {
		return nil, nil, appErrors.ErrCertificateUnresolved
	}
	if method == models.DeliveryBulkToContact {
		return order, nil, nil
	}
	recipients, err := s.orders.ListRecipients(ctx, orderID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recipients")
	}
	if len(recipients) == 0 {
		return nil, nil, appErrors.ErrNoRecipients
	}
	return order, recipients, nil
}

func eligibleRecipients(recipients []models.OrderRecipient) []models.OrderRecipient {
	var eligible []models.OrderRecipient
	for _, rec := range recipients {
		if rec.DeliveryStatus == models.RecipientPending || rec.DeliveryStatus == models.RecipientFailed {
			eligible = append(eligible, rec)
		}
	}
	return eligible
}

// candidateQueue hands out claimable vouchers soonest-expiring first and
// refills from the repository when concurrent claims drain it.
type candidateQueue struct {
	vouchers      fulfillmentVoucherRepository
	certificateID string
	now           time.Time
	items         []models.Voucher
}

func (s *FulfillmentService) newCandidateQueue(ctx context.Context, certificateID string, now time.Time, needed int) (*candidateQueue, error) {
	q := &candidateQueue{vouchers: s.vouchers, certificateID: certificateID, now: now}
	if needed > 0 {
		items, err := s.vouchers.ListAvailable(ctx, certificateID, now, needed)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load inventory")
		}
		q.items = items
	}
	return q, nil
}

func (q *candidateQueue) next(ctx context.Context) (*models.Voucher, error) {
	if len(q.items) == 0 {
		items, err := q.vouchers.ListAvailable(ctx, q.certificateID, q.now, 5)
		if err != nil {
			return nil, err
		}
		q.items = items
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	v := q.items[0]
	q.items = q.items[1:]
	return &v, nil
}

// deliverToRecipient binds a voucher to one recipient and emails it. The
// voucher is either the one already bound from a previous failed pass or a
// fresh claim from the candidate queue.
func (s *FulfillmentService) deliverToRecipient(ctx context.Context, order *models.OrderDetail, rec models.OrderRecipient, candidates *candidateQueue, actor string) models.RecipientResult {
	result := models.RecipientResult{Email: rec.Email, Name: rec.Name}
	now := time.Now().UTC()

	var voucher *models.Voucher
	if rec.VoucherID != nil {
		v, err := s.vouchers.FindByID(ctx, *rec.VoucherID)
		if err != nil {
			result.Error = "bound voucher not found"
			s.recordFailure(ctx, order, rec, nil, result.Error)
			return result
		}
		voucher = v
	} else {
		v, err := s.claimNext(ctx, order, rec, candidates, actor, now)
		if err != nil {
			result.Error = err.Error()
			s.recordFailure(ctx, order, rec, nil, result.Error)
			return result
		}
		voucher = v
	}
	result.VoucherCode = voucher.Code

	institutionName := order.CustomerName
	if order.InstitutionName != nil {
		institutionName = *order.InstitutionName
	}
	msg, err := mailer.RenderVoucherEmail(mailer.VoucherEmailData{
		RecipientName:   rec.Name,
		CertificateEN:   order.CertificateNameEN,
		CertificateAR:   order.CertificateNameAR,
		VoucherCode:     voucher.Code,
		ExpiresAt:       voucher.ExpiresAt.Format("2 January 2006"),
		InstitutionName: institutionName,
	})
	if err != nil {
		result.Error = "failed to render delivery email"
		s.recordFailure(ctx, order, rec, &voucher.ID, result.Error)
		return result
	}
	msg.ToEmail = rec.Email

	sendStart := time.Now()
	if err := s.sender.Send(ctx, msg); err != nil {
		s.metrics.RecordDelivery(false, time.Since(sendStart))
		result.Error = err.Error()
		if recErr := s.vouchers.RecordDeliveryError(ctx, voucher.ID, result.Error, now); recErr != nil {
			s.logger.Warn("failed to record delivery error", zap.String("voucher_id", voucher.ID), zap.Error(recErr))
		}
		s.recordFailure(ctx, order, rec, &voucher.ID, result.Error)
		return result
	}

	s.metrics.RecordDelivery(true, time.Since(sendStart))
	deliveredAt := time.Now().UTC()
	if _, err := s.vouchers.MarkDelivered(ctx, voucher.ID, deliveredAt); err != nil {
		s.logger.Warn("failed to mark voucher delivered", zap.String("voucher_id", voucher.ID), zap.Error(err))
	}
	s.appendHistory(ctx, voucher.ID, models.VoucherActionDelivered, actor, "delivered to "+rec.Email)
	if err := s.orders.UpdateRecipient(ctx, order.ID, rec.Email, &voucher.ID, models.RecipientSent, &deliveredAt, nil); err != nil {
		s.logger.Warn("failed to update recipient", zap.String("order_id", order.ID), zap.String("email", rec.Email), zap.Error(err))
	}
	s.upsertMirror(ctx, order, rec, &voucher.ID, models.RecipientSent, &deliveredAt, nil)

	result.Success = true
	return result
}

// claimNext pulls candidates until one claim lands. A lost claim means a
// concurrent pass took that voucher first; the queue refills and we try the
// next soonest-expiring one.
func (s *FulfillmentService) claimNext(ctx context.Context, order *models.OrderDetail, rec models.OrderRecipient, candidates *candidateQueue, actor string, now time.Time) (*models.Voucher, error) {
	for {
		candidate, err := candidates.next(ctx)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load inventory")
		}
		if candidate == nil {
			return nil, appErrors.ErrVoucherUnavailable
		}
		claimed, err := s.vouchers.AssignAvailable(ctx, candidate.ID, models.VoucherAssignment{
			OrderID:        order.ID,
			RecipientName:  rec.Name,
			RecipientEmail: rec.Email,
			DeliveryMethod: order.DeliveryMethod,
			Actor:          actor,
		}, now)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign voucher")
		}
		if !claimed {
			continue
		}
		s.appendHistory(ctx, candidate.ID, models.VoucherActionAssigned, actor, "assigned to "+rec.Email+" for order "+order.Number)
		return candidate, nil
	}
}

func (s *FulfillmentService) claimForContact(ctx context.Context, order *models.OrderDetail, needed int, actor string, now time.Time) ([]models.Voucher, error) {
	queue, err := s.newCandidateQueue(ctx, order.CertificateID, now, needed)
	if err != nil {
		return nil, err
	}
	var claimed []models.Voucher
	for len(claimed) < needed {
		candidate, err := queue.next(ctx)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load inventory")
		}
		if candidate == nil {
			return nil, appErrors.ErrInsufficientInventory
		}
		ok, err := s.vouchers.AssignAvailable(ctx, candidate.ID, models.VoucherAssignment{
			OrderID:        order.ID,
			RecipientName:  order.CustomerName,
			RecipientEmail: order.CustomerEmail,
			DeliveryMethod: order.DeliveryMethod,
			Actor:          actor,
		}, now)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign voucher")
		}
		if !ok {
			continue
		}
		s.appendHistory(ctx, candidate.ID, models.VoucherActionAssigned, actor, "assigned to contact for order "+order.Number)
		claimed = append(claimed, *candidate)
	}
	return claimed, nil
}

func (s *FulfillmentService) boundVouchers(ctx context.Context, orderID string) ([]models.Voucher, error) {
	vouchers, _, err := s.vouchers.List(ctx, models.VoucherFilter{OrderID: orderID, Status: models.VoucherStatusAssigned, PageSize: 100})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load bound vouchers")
	}
	return vouchers, nil
}

func (s *FulfillmentService) recordFailure(ctx context.Context, order *models.OrderDetail, rec models.OrderRecipient, voucherID *string, message string) {
	if voucherID == nil {
		voucherID = rec.VoucherID
	}
	if err := s.orders.UpdateRecipient(ctx, order.ID, rec.Email, voucherID, models.RecipientFailed, rec.DeliveredAt, &message); err != nil {
		s.logger.Warn("failed to update recipient", zap.String("order_id", order.ID), zap.String("email", rec.Email), zap.Error(err))
	}
	s.upsertMirror(ctx, order, rec, voucherID, models.RecipientFailed, nil, &message)
}

func (s *FulfillmentService) upsertMirror(ctx context.Context, order *models.OrderDetail, rec models.OrderRecipient, voucherID *string, status models.RecipientDeliveryStatus, deliveredAt *time.Time, lastError *string) {
	err := s.mirror.Upsert(ctx, &models.VoucherRecipient{
		OrderID:        order.ID,
		Email:          rec.Email,
		Name:           rec.Name,
		VoucherID:      voucherID,
		CertificateID:  order.CertificateID,
		DeliveryStatus: status,
		DeliveredAt:    deliveredAt,
		LastError:      lastError,
	})
	if err != nil {
		s.logger.Warn("failed to upsert recipient mirror", zap.String("order_id", order.ID), zap.String("email", rec.Email), zap.Error(err))
	}
}

func (s *FulfillmentService) appendHistory(ctx context.Context, voucherID, action, actor, detail string) {
	err := s.vouchers.AppendHistory(ctx, &models.VoucherHistoryEntry{
		VoucherID: voucherID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
	})
	if err != nil {
		s.logger.Warn("failed to append voucher history", zap.String("voucher_id", voucherID), zap.Error(err))
	}
}

// concludePass derives the order's fulfillment status from the final state
// of every recipient, not only the ones touched this pass.
func (s *FulfillmentService) concludePass(ctx context.Context, order *models.OrderDetail, recipients []models.OrderRecipient, summary *models.FulfillmentSummary) models.FulfillmentStatus {
	outcomes := make(map[string]bool, len(summary.Results))
	for _, result := range summary.Results {
		outcomes[result.Email] = result.Success
	}
	allSent := true
	for _, rec := range recipients {
		if success, touched := outcomes[rec.Email]; touched {
			if !success {
				allSent = false
			}
			continue
		}
		if rec.DeliveryStatus != models.RecipientSent && rec.DeliveryStatus != models.RecipientOpened {
			allSent = false
		}
	}

	status := models.FulfillmentPartiallyDelivered
	var fulfilledAt *time.Time
	if allSent {
		status = models.FulfillmentDelivered
		now := time.Now().UTC()
		fulfilledAt = &now
	}
	if err := s.orders.UpdateFulfillment(ctx, order.ID, status, fulfilledAt); err != nil {
		s.logger.Warn("failed to update order fulfillment", zap.String("order_id", order.ID), zap.Error(err))
	}
	return status
}

func (s *FulfillmentService) refreshOrderBatches(ctx context.Context, orderID string) {
	ids, err := s.batches.BatchIDsForOrder(ctx, orderID)
	if err != nil {
		s.logger.Warn("failed to list order batches", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	for _, id := range ids {
		if err := s.batches.RefreshCounters(ctx, id); err != nil {
			s.logger.Warn("failed to refresh batch counters", zap.String("batch_id", id), zap.Error(err))
		}
	}
}
