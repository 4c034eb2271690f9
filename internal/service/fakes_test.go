package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
	"github.com/kyungseok/mpesa-payments-go/internal/gateway"
	"github.com/kyungseok/mpesa-payments-go/internal/repository"
)

// fakePaymentRepo 테스트용 결제 레포지토리
type fakePaymentRepo struct {
	created       []*domain.Payment
	createErr     error
	exact         map[string]*domain.Payment
	fallback      []*domain.Payment
	fallbackCalls int
	expired       []*domain.Payment
	byUser        []*domain.Payment

	transitions     []transitionCall
	transitionApply bool
	transitionErr   error
}

type transitionCall struct {
	ID     int64
	From   domain.PaymentStatus
	To     domain.PaymentStatus
	Fields domain.SettlementFields
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{
		exact:           map[string]*domain.Payment{},
		transitionApply: true,
	}
}

func (f *fakePaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, payment *domain.Payment) error {
	if f.createErr != nil {
		return f.createErr
	}
	payment.ID = int64(len(f.created) + 1)
	f.created = append(f.created, payment)
	return nil
}

func (f *fakePaymentRepo) FindByCheckoutID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	if payment, ok := f.exact[checkoutRequestID]; ok {
		return payment, nil
	}
	return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found")
}

func (f *fakePaymentRepo) FindByCheckoutIDFallback(ctx context.Context, checkoutRequestID string) ([]*domain.Payment, error) {
	f.fallbackCalls++
	return f.fallback, nil
}

func (f *fakePaymentRepo) FindByUserID(ctx context.Context, userID int64) ([]*domain.Payment, error) {
	return f.byUser, nil
}

func (f *fakePaymentRepo) FindExpiredPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Payment, error) {
	return f.expired, nil
}

func (f *fakePaymentRepo) TransitionTx(ctx context.Context, tx *sql.Tx, id int64, from, to domain.PaymentStatus, fields domain.SettlementFields) (bool, error) {
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	f.transitions = append(f.transitions, transitionCall{ID: id, From: from, To: to, Fields: fields})
	return f.transitionApply, nil
}

// fakeOutboxRepo 테스트용 Outbox 레포지토리
type fakeOutboxRepo struct {
	inserted []*repository.OutboxEvent
}

func (f *fakeOutboxRepo) InsertTx(ctx context.Context, tx *sql.Tx, event *repository.OutboxEvent) error {
	f.inserted = append(f.inserted, event)
	return nil
}

func (f *fakeOutboxRepo) FindPending(ctx context.Context, limit int) ([]*repository.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeOutboxRepo) MarkSent(ctx context.Context, id int64) error {
	return nil
}

// fakeTokenProvider 테스트용 토큰 제공자
type fakeTokenProvider struct {
	token string
	err   error
	calls int
}

func (f *fakeTokenProvider) Acquire(ctx context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

// fakeGatewayClient 테스트용 게이트웨이 클라이언트
type fakeGatewayClient struct {
	resp  *gateway.STKPushResponse
	err   error
	calls int
}

func (f *fakeGatewayClient) STKPush(ctx context.Context, token, phoneNumber string, amount int64) (*gateway.STKPushResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}
