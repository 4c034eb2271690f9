package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
)

// PaymentRepository 결제 레포지토리 인터페이스
type PaymentRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error
	FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)
	// FindByCheckoutIDFallback 포함(containment) 매칭 조회, 최신 생성 순 정렬
	FindByCheckoutIDFallback(ctx context.Context, checkoutRequestID string) ([]*domain.Payment, error)
	FindByUserID(ctx context.Context, userID int64) ([]*domain.Payment, error)
	FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Payment, error)
	// TransitionTx 원자적 compare-and-swap 상태 전이
	// 현재 상태가 from일 때만 적용되며, 이미 종결된 경우 (false, nil)을 반환한다.
	TransitionTx(ctx context.Context, tx *sql.Tx, id int64, from, to domain.PaymentStatus, fields domain.SettlementFields) (bool, error)
}

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository 결제 레포지토리 생성
func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

const paymentColumns = `id, checkout_request_id, merchant_request_id, phone_number, amount, user_id, status, failure_reason, mpesa_receipt_number, transaction_date, created_at, updated_at`

// CreateTx 트랜잭션 내에서 결제 생성
//
// 생성 시점에 CheckoutRequestID가 이미 확정되어 있어야 한다. 게이트웨이
// 시작 호출이 성공한 직후에만 호출되므로, 콜백이 도착할 수 있는 시점에는
// 항상 PENDING 행이 존재한다.
func (r *paymentRepository) CreateTx(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (checkout_request_id, merchant_request_id, phone_number, amount, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := tx.QueryRowContext(
		ctx,
		query,
		payment.CheckoutRequestID,
		payment.MerchantRequestID,
		payment.PhoneNumber,
		payment.Amount,
		payment.UserID,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Scan(&payment.ID)

	if err != nil {
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to create payment", err)
	}

	return nil
}

// FindByCheckoutID CheckoutRequestID 완전 일치 조회
func (r *paymentRepository) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE checkout_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, checkoutRequestID))
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payment", err)
	}

	return payment, nil
}

// FindByCheckoutIDFallback CheckoutRequestID 포함 매칭 조회
//
// 게이트웨이 샌드박스가 시작 시 발급한 것과 다른(겹치는) 식별자를 콜백에
// 실어 보내는 경우가 관찰되어, 완전 일치 실패 시의 보조 경로로 둔다.
// 양방향 포함을 검사하며 최신 생성 순으로 반환한다.
func (r *paymentRepository) FindByCheckoutIDFallback(ctx context.Context, checkoutRequestID string) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE checkout_request_id LIKE '%' || $1 || '%'
		   OR $1 LIKE '%' || checkout_request_id || '%'
		ORDER BY created_at DESC
		LIMIT 20
	`

	rows, err := r.db.QueryContext(ctx, query, checkoutRequestID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payments by fallback match", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// FindByUserID 사용자의 결제 내역 조회 (최신순)
func (r *paymentRepository) FindByUserID(ctx context.Context, userID int64) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find payments by user", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// FindExpiredPending 정산 시한을 넘긴 PENDING 결제 조회
func (r *paymentRepository) FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to find expired pending payments", err)
	}
	defer rows.Close()

	return scanPayments(rows)
}

// TransitionTx 상태 전이 (compare-and-swap)
func (r *paymentRepository) TransitionTx(ctx context.Context, tx *sql.Tx, id int64, from, to domain.PaymentStatus, fields domain.SettlementFields) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, nil
	}

	query := `
		UPDATE payments
		SET status = $1, failure_reason = $2, mpesa_receipt_number = $3, transaction_date = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`

	result, err := tx.ExecContext(
		ctx,
		query,
		to,
		nullString(fields.FailureReason),
		nullString(fields.MpesaReceiptNumber),
		nullTime(fields.TransactionDate),
		id,
		from,
	)
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeDatabaseError, "failed to transition payment status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeDatabaseError, "failed to read affected rows", err)
	}

	// affected == 0 이면 이미 종결된 행 (중복 콜백의 정상 경로)
	return affected == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	payment := &domain.Payment{}
	var merchantRequestID, failureReason, receiptNumber sql.NullString
	var transactionDate sql.NullTime

	err := row.Scan(
		&payment.ID,
		&payment.CheckoutRequestID,
		&merchantRequestID,
		&payment.PhoneNumber,
		&payment.Amount,
		&payment.UserID,
		&payment.Status,
		&failureReason,
		&receiptNumber,
		&transactionDate,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if merchantRequestID.Valid {
		payment.MerchantRequestID = merchantRequestID.String
	}
	if failureReason.Valid {
		payment.FailureReason = failureReason.String
	}
	if receiptNumber.Valid {
		payment.MpesaReceiptNumber = receiptNumber.String
	}
	if transactionDate.Valid {
		t := transactionDate.Time
		payment.TransactionDate = &t
	}

	return payment, nil
}

func scanPayments(rows *sql.Rows) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to scan payment", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to iterate payments", err)
	}
	return payments, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
