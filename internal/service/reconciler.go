package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/common/events"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
	"github.com/kyungseok/mpesa-payments-go/internal/gateway"
	"github.com/kyungseok/mpesa-payments-go/internal/repository"
)

// Reconciler 콜백 대사(reconciliation) 인터페이스
type Reconciler interface {
	// HandleCallback 파싱된 콜백을 정확히 하나의 결제 행에 매핑하고
	// 종결 전이를 최대 한 번 적용한다. "결제 없음"과 "이미 종결"은
	// 에러가 아닌 정상 종료다.
	HandleCallback(ctx context.Context, cb *gateway.STKCallback) error
	// ExpirePending 정산 시한을 넘긴 PENDING 결제를 FAILED로 전이
	ExpirePending(ctx context.Context, olderThan time.Time) (int, error)
}

type reconciler struct {
	db          *sql.DB
	paymentRepo repository.PaymentRepository
	outboxRepo  repository.OutboxRepository
	logger      *zap.Logger
}

// NewReconciler 대사 처리기 생성
func NewReconciler(
	db *sql.DB,
	paymentRepo repository.PaymentRepository,
	outboxRepo repository.OutboxRepository,
	logger *zap.Logger,
) Reconciler {
	return &reconciler{
		db:          db,
		paymentRepo: paymentRepo,
		outboxRepo:  outboxRepo,
		logger:      logger,
	}
}

// HandleCallback 콜백 처리
func (r *reconciler) HandleCallback(ctx context.Context, cb *gateway.STKCallback) error {
	payment, err := r.match(ctx, cb.CheckoutRequestID)
	if errors.HasCode(err, errors.ErrCodePaymentNotFound) {
		// 매칭 후보 없음: 게이트웨이에 에러를 돌려줄 수 없으므로 기록만 한다
		r.logger.Warn("payment not found for callback",
			zap.String("checkoutRequestId", cb.CheckoutRequestID),
			zap.Int("resultCode", cb.ResultCode))
		return nil
	}
	if err != nil {
		return err
	}

	// 종결된 행에 대한 중복 수신은 정상 경로 (CAS가 최종 판정)
	if payment.IsSettled() {
		r.logger.Debug("callback for already settled payment",
			zap.Int64("paymentId", payment.ID),
			zap.String("status", string(payment.Status)))
		return nil
	}

	r.crossCheck(payment, cb)

	outcome := cb.Outcome()
	fields := domain.SettlementFields{
		MpesaReceiptNumber: cb.MpesaReceiptNumber(),
		TransactionDate:    cb.TransactionDateValue(),
	}
	if outcome == domain.PaymentStatusFailed {
		fields.FailureReason = cb.ResultDesc
	}

	applied, err := r.settle(ctx, payment, outcome, fields)
	if err != nil {
		return err
	}

	if !applied {
		// CAS 경합에서 진 쪽: 이미 다른 전달이 종결을 적용했다
		r.logger.Debug("transition lost compare-and-swap, treating as duplicate",
			zap.Int64("paymentId", payment.ID))
		return nil
	}

	r.logger.Info("payment settled",
		zap.Int64("paymentId", payment.ID),
		zap.String("checkoutRequestId", payment.CheckoutRequestID),
		zap.String("status", string(outcome)),
		zap.String("receipt", fields.MpesaReceiptNumber))

	return nil
}

// ExpirePending 시한 초과 PENDING 결제 만료 처리
func (r *reconciler) ExpirePending(ctx context.Context, olderThan time.Time) (int, error) {
	expired, err := r.paymentRepo.FindExpiredPending(ctx, olderThan, 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, payment := range expired {
		applied, err := r.settle(ctx, payment, domain.PaymentStatusFailed, domain.SettlementFields{
			FailureReason: "settlement timeout",
		})
		if err != nil {
			r.logger.Error("failed to expire pending payment",
				zap.Int64("paymentId", payment.ID),
				zap.Error(err))
			continue
		}
		if applied {
			count++
		}
	}

	return count, nil
}

// match 완전 일치 우선, 실패 시 포함 매칭 (최신 생성 순 tie-break)
//
// 게이트웨이 환경에 따라 시작 시 발급된 식별자와 콜백의 식별자가 byte 단위로
// 일치하지 않는 경우가 있어 두 단계 매칭을 유지한다. fallback으로 매칭된
// 경우는 진단을 위해 Warn으로 남긴다.
func (r *reconciler) match(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	payment, err := r.paymentRepo.FindByCheckoutID(ctx, checkoutRequestID)
	if err == nil {
		return payment, nil
	}
	if !errors.HasCode(err, errors.ErrCodePaymentNotFound) {
		return nil, err
	}

	candidates, err := r.paymentRepo.FindByCheckoutIDFallback(ctx, checkoutRequestID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found")
	}

	selected := candidates[0]
	r.logger.Warn("callback matched via fallback",
		zap.String("callbackCheckoutRequestId", checkoutRequestID),
		zap.String("storedCheckoutRequestId", selected.CheckoutRequestID),
		zap.Int("candidates", len(candidates)))

	return selected, nil
}

// crossCheck 콜백의 금액/전화번호를 원 요청과 대조
//
// 불일치는 기록만 하고 전이를 막지 않는다 (게이트웨이 신뢰 가정).
func (r *reconciler) crossCheck(payment *domain.Payment, cb *gateway.STKCallback) {
	if amount, ok := cb.AmountValue(); ok && amount != payment.Amount {
		r.logger.Warn("callback amount differs from initiated amount",
			zap.Int64("paymentId", payment.ID),
			zap.Int64("initiatedAmount", payment.Amount),
			zap.Int64("callbackAmount", amount))
	}
	if phone := cb.PhoneNumberValue(); phone != "" && phone != payment.PhoneNumber {
		r.logger.Warn("callback phone differs from initiated phone",
			zap.Int64("paymentId", payment.ID))
	}
}

// settle 종결 전이와 정산 이벤트 기록을 한 트랜잭션으로 적용
func (r *reconciler) settle(
	ctx context.Context,
	payment *domain.Payment,
	to domain.PaymentStatus,
	fields domain.SettlementFields,
) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	applied, err := r.paymentRepo.TransitionTx(ctx, tx, payment.ID, domain.PaymentStatusPending, to, fields)
	if err != nil {
		return false, err
	}

	if !applied {
		return false, nil
	}

	event := r.settlementEvent(payment, to, fields)
	if err := insertOutboxEvent(ctx, tx, r.outboxRepo, payment.ID, eventTypeFor(to, fields), event); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(errors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}

	return true, nil
}

func (r *reconciler) settlementEvent(payment *domain.Payment, to domain.PaymentStatus, fields domain.SettlementFields) interface{} {
	base := events.BaseEvent{
		EventID:       uuid.New().String(),
		EventType:     eventTypeFor(to, fields),
		SchemaVersion: 1,
		OccurredAt:    time.Now(),
		CorrelationID: payment.CheckoutRequestID,
	}

	if to == domain.PaymentStatusCompleted {
		return events.PaymentCompletedEvent{
			BaseEvent:          base,
			PaymentID:          payment.ID,
			Amount:             payment.Amount,
			MpesaReceiptNumber: fields.MpesaReceiptNumber,
			TransactionDate:    fields.TransactionDate,
		}
	}

	if fields.FailureReason == "settlement timeout" {
		return events.PaymentExpiredEvent{
			BaseEvent:  base,
			PaymentID:  payment.ID,
			PendingFor: time.Since(payment.CreatedAt),
		}
	}

	return events.PaymentFailedEvent{
		BaseEvent: base,
		PaymentID: payment.ID,
		Reason:    fields.FailureReason,
	}
}

func eventTypeFor(to domain.PaymentStatus, fields domain.SettlementFields) events.EventType {
	if to == domain.PaymentStatusCompleted {
		return events.EventPaymentCompleted
	}
	if fields.FailureReason == "settlement timeout" {
		return events.EventPaymentExpired
	}
	return events.EventPaymentFailed
}
