package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/messaging"
	"github.com/kyungseok/mpesa-payments-go/common/retry"
	"github.com/kyungseok/mpesa-payments-go/internal/repository"
)

// OutboxWorker Outbox 패턴 워커
//
// PENDING 상태의 정산 이벤트를 주기적으로 Kafka로 발행한다.
// 발행은 at-least-once이며, 소비자 측 멱등성을 전제로 한다.
type OutboxWorker struct {
	outboxRepo repository.OutboxRepository
	publisher  messaging.Publisher
	logger     *zap.Logger
	interval   time.Duration
}

// NewOutboxWorker Outbox 워커 생성
func NewOutboxWorker(
	outboxRepo repository.OutboxRepository,
	publisher messaging.Publisher,
	logger *zap.Logger,
	interval time.Duration,
) *OutboxWorker {
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
	}
}

// Start 워커 시작
func (w *OutboxWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if err := w.process(ctx); err != nil {
				w.logger.Error("failed to process outbox events", zap.Error(err))
			}
		}
	}
}

func (w *OutboxWorker) process(ctx context.Context) error {
	events, err := w.outboxRepo.FindPending(ctx, 100)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return nil
	}

	w.logger.Debug("processing outbox events", zap.Int("count", len(events)))

	for _, event := range events {
		if err := w.publishEvent(ctx, event); err != nil {
			w.logger.Error("failed to publish event",
				zap.Int64("eventId", event.ID),
				zap.String("eventType", event.EventType),
				zap.Error(err))
			continue
		}

		// 전송 완료 표시
		if err := w.outboxRepo.MarkSent(ctx, event.ID); err != nil {
			w.logger.Error("failed to mark event as sent",
				zap.Int64("eventId", event.ID),
				zap.Error(err))
		}
	}

	return nil
}

func (w *OutboxWorker) publishEvent(ctx context.Context, event *repository.OutboxEvent) error {
	// CheckoutRequestID를 파티셔닝 키로 사용: 같은 결제의 이벤트는 순서 유지
	var payload struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	return retry.Do(ctx, retry.DefaultConfig(), w.logger, func() error {
		return w.publisher.Publish(ctx, event.EventType, payload.CorrelationID, json.RawMessage(event.Payload))
	})
}
