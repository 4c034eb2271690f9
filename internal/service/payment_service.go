package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/common/events"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
	"github.com/kyungseok/mpesa-payments-go/internal/gateway"
	"github.com/kyungseok/mpesa-payments-go/internal/repository"
)

// phonePattern 국가코드가 붙은 케냐 모바일 번호 (예: 254712345678)
var phonePattern = regexp.MustCompile(`^254[0-9]{9}$`)

// InitiateSTKPushCommand 결제 시작 커맨드
type InitiateSTKPushCommand struct {
	UserID      int64
	PhoneNumber string
	Amount      int64
}

// PaymentStatusResult 결제 상태 조회 결과
type PaymentStatusResult struct {
	PaymentID int64
	Status    domain.PaymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentService 결제 서비스 인터페이스
type PaymentService interface {
	// InitiateSTKPush 입력 검증, 토큰 획득, 게이트웨이 시작 호출, PENDING 결제 영속화.
	// 게이트웨이 실패 시 결제 행은 생성되지 않는다.
	InitiateSTKPush(ctx context.Context, cmd InitiateSTKPushCommand) (*gateway.STKPushResponse, error)
	// GetStatus CheckoutRequestID로 현재 상태 조회 (완전 일치 후 fallback)
	GetStatus(ctx context.Context, checkoutRequestID string) (*PaymentStatusResult, error)
	// ListUserPayments 사용자의 결제 내역 조회 (최신순)
	ListUserPayments(ctx context.Context, userID int64) ([]*domain.Payment, error)
}

type paymentService struct {
	db          *sql.DB
	paymentRepo repository.PaymentRepository
	outboxRepo  repository.OutboxRepository
	tokens      gateway.TokenProvider
	gateway     gateway.Client
	logger      *zap.Logger
}

// NewPaymentService 결제 서비스 생성
func NewPaymentService(
	db *sql.DB,
	paymentRepo repository.PaymentRepository,
	outboxRepo repository.OutboxRepository,
	tokens gateway.TokenProvider,
	gw gateway.Client,
	logger *zap.Logger,
) PaymentService {
	return &paymentService{
		db:          db,
		paymentRepo: paymentRepo,
		outboxRepo:  outboxRepo,
		tokens:      tokens,
		gateway:     gw,
		logger:      logger,
	}
}

// InitiateSTKPush 결제 시작
func (s *paymentService) InitiateSTKPush(ctx context.Context, cmd InitiateSTKPushCommand) (*gateway.STKPushResponse, error) {
	// 외부 호출 이전에 검증 (검증 실패 시 부수효과 없음)
	if err := validateInitiation(cmd); err != nil {
		return nil, err
	}

	token, err := s.tokens.Acquire(ctx)
	if err != nil {
		s.logger.Error("failed to acquire gateway token", zap.Error(err))
		return nil, err
	}

	pushResp, err := s.gateway.STKPush(ctx, token, cmd.PhoneNumber, cmd.Amount)
	if err != nil {
		s.logger.Error("stk push initiation failed",
			zap.Int64("userId", cmd.UserID),
			zap.Error(err))
		return nil, err
	}

	// 경계에서 식별자 정규화 후 영속화
	checkoutRequestID := strings.TrimSpace(pushResp.CheckoutRequestID)

	now := time.Now()
	payment := &domain.Payment{
		CheckoutRequestID: checkoutRequestID,
		MerchantRequestID: pushResp.MerchantRequestID,
		PhoneNumber:       cmd.PhoneNumber,
		Amount:            cmd.Amount,
		UserID:            cmd.UserID,
		Status:            domain.PaymentStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.paymentRepo.CreateTx(ctx, tx, payment); err != nil {
		return nil, err
	}

	initiatedEvt := events.PaymentInitiatedEvent{
		BaseEvent: events.BaseEvent{
			EventID:       uuid.New().String(),
			EventType:     events.EventPaymentInitiated,
			SchemaVersion: 1,
			OccurredAt:    now,
			CorrelationID: checkoutRequestID,
		},
		PaymentID:   payment.ID,
		UserID:      cmd.UserID,
		PhoneNumber: cmd.PhoneNumber,
		Amount:      cmd.Amount,
	}

	if err := insertOutboxEvent(ctx, tx, s.outboxRepo, payment.ID, events.EventPaymentInitiated, initiatedEvt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to commit transaction", err)
	}

	s.logger.Info("payment initiated",
		zap.Int64("paymentId", payment.ID),
		zap.Int64("userId", cmd.UserID),
		zap.String("checkoutRequestId", checkoutRequestID),
		zap.Int64("amount", cmd.Amount))

	return pushResp, nil
}

// GetStatus 결제 상태 조회
func (s *paymentService) GetStatus(ctx context.Context, checkoutRequestID string) (*PaymentStatusResult, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, errors.New(errors.ErrCodeValidationError, "checkout request id is required")
	}

	payment, err := s.paymentRepo.FindByCheckoutID(ctx, checkoutRequestID)
	if errors.HasCode(err, errors.ErrCodePaymentNotFound) {
		candidates, ferr := s.paymentRepo.FindByCheckoutIDFallback(ctx, checkoutRequestID)
		if ferr != nil {
			return nil, ferr
		}
		if len(candidates) == 0 {
			return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found")
		}
		payment = candidates[0]
	} else if err != nil {
		return nil, err
	}

	return &PaymentStatusResult{
		PaymentID: payment.ID,
		Status:    payment.Status,
		CreatedAt: payment.CreatedAt,
		UpdatedAt: payment.UpdatedAt,
	}, nil
}

// ListUserPayments 사용자 결제 내역 조회
func (s *paymentService) ListUserPayments(ctx context.Context, userID int64) ([]*domain.Payment, error) {
	return s.paymentRepo.FindByUserID(ctx, userID)
}

func validateInitiation(cmd InitiateSTKPushCommand) error {
	if cmd.UserID <= 0 {
		return errors.New(errors.ErrCodeValidationError, "user id is required")
	}
	if !phonePattern.MatchString(cmd.PhoneNumber) {
		return errors.New(errors.ErrCodeValidationError,
			"phone number must be a country-coded mobile number (e.g. 254712345678)")
	}
	if cmd.Amount < 1 {
		return errors.New(errors.ErrCodeValidationError, "amount must be at least 1")
	}
	return nil
}

// insertOutboxEvent 이벤트를 직렬화하여 Outbox에 기록
func insertOutboxEvent(
	ctx context.Context,
	tx *sql.Tx,
	outboxRepo repository.OutboxRepository,
	paymentID int64,
	eventType events.EventType,
	event interface{},
) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerializationError,
			fmt.Sprintf("failed to marshal %s event", eventType), err)
	}

	outboxEvent := &repository.OutboxEvent{
		AggregateType: "payment",
		AggregateID:   paymentID,
		EventType:     string(eventType),
		Payload:       payload,
		Status:        "PENDING",
		CreatedAt:     time.Now(),
	}

	return outboxRepo.InsertTx(ctx, tx, outboxEvent)
}
