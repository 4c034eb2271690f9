package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
)

var paymentTestColumns = []string{
	"id", "checkout_request_id", "merchant_request_id", "phone_number", "amount",
	"user_id", "status", "failure_reason", "mpesa_receipt_number", "transaction_date",
	"created_at", "updated_at",
}

func paymentRow(id int64, checkoutID string, status string, createdAt time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(paymentTestColumns).
		AddRow(id, checkoutID, "merch-1", "254712345678", int64(50), int64(7), status,
			nil, nil, nil, createdAt, createdAt)
}

func TestPaymentRepository_CreateTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs("ws_CO_1", "merch-1", "254712345678", int64(50), int64(7),
			string(domain.PaymentStatusPending), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	tx, err := db.Begin()
	require.NoError(t, err)

	now := time.Now()
	payment := &domain.Payment{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "merch-1",
		PhoneNumber:       "254712345678",
		Amount:            50,
		UserID:            7,
		Status:            domain.PaymentStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	repo := NewPaymentRepository(db)
	require.NoError(t, repo.CreateTx(context.Background(), tx, payment))
	assert.Equal(t, int64(42), payment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepository_FindByCheckoutID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	createdAt := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM payments").
		WithArgs("ws_CO_1").
		WillReturnRows(paymentRow(42, "ws_CO_1", "PENDING", createdAt))

	repo := NewPaymentRepository(db)
	payment, err := repo.FindByCheckoutID(context.Background(), "ws_CO_1")
	require.NoError(t, err)

	assert.Equal(t, int64(42), payment.ID)
	assert.Equal(t, "ws_CO_1", payment.CheckoutRequestID)
	assert.Equal(t, domain.PaymentStatusPending, payment.Status)
	assert.Empty(t, payment.FailureReason)
	assert.Nil(t, payment.TransactionDate)
}

func TestPaymentRepository_FindByCheckoutID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM payments").
		WithArgs("ws_CO_missing").
		WillReturnRows(sqlmock.NewRows(paymentTestColumns))

	repo := NewPaymentRepository(db)
	_, err = repo.FindByCheckoutID(context.Background(), "ws_CO_missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodePaymentNotFound))
}

func TestPaymentRepository_FindByCheckoutIDFallback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	newer := time.Now()
	older := newer.Add(-time.Hour)
	rows := sqlmock.NewRows(paymentTestColumns).
		AddRow(int64(2), "ws_CO_123-suffix", "m2", "254712345678", int64(50), int64(7),
			"PENDING", nil, nil, nil, newer, newer).
		AddRow(int64(1), "ws_CO_123", "m1", "254712345678", int64(50), int64(7),
			"PENDING", nil, nil, nil, older, older)

	mock.ExpectQuery("SELECT (.+) FROM payments").
		WithArgs("ws_CO_123").
		WillReturnRows(rows)

	repo := NewPaymentRepository(db)
	candidates, err := repo.FindByCheckoutIDFallback(context.Background(), "ws_CO_123")
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	// 최신 생성 순 (tie-break 대상이 첫 번째)
	assert.Equal(t, int64(2), candidates[0].ID)
	assert.Equal(t, int64(1), candidates[1].ID)
}

func TestPaymentRepository_TransitionTx_Applied(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").
		WithArgs(string(domain.PaymentStatusCompleted), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(42), string(domain.PaymentStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	repo := NewPaymentRepository(db)
	applied, err := repo.TransitionTx(context.Background(), tx, 42,
		domain.PaymentStatusPending, domain.PaymentStatusCompleted,
		domain.SettlementFields{MpesaReceiptNumber: "R123"})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestPaymentRepository_TransitionTx_AlreadySettled(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)

	repo := NewPaymentRepository(db)
	applied, err := repo.TransitionTx(context.Background(), tx, 42,
		domain.PaymentStatusPending, domain.PaymentStatusFailed,
		domain.SettlementFields{FailureReason: "cancelled"})

	// 0 rows affected는 에러가 아니라 "이미 종결"의 확정 신호
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPaymentRepository_TransitionTx_InvalidTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()

	tx, err := db.Begin()
	require.NoError(t, err)

	repo := NewPaymentRepository(db)

	// 종결 상태에서의 전이 시도는 SQL 실행 없이 거부된다
	applied, err := repo.TransitionTx(context.Background(), tx, 42,
		domain.PaymentStatusCompleted, domain.PaymentStatusFailed, domain.SettlementFields{})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
