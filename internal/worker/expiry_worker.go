package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/internal/service"
)

// ExpiryWorker 정산 시한 초과 결제 만료 워커
//
// 콜백이 끝내 도착하지 않은 PENDING 결제를 주기적으로 FAILED("settlement
// timeout")로 전이한다. 전이는 동일한 compare-and-swap을 거치므로 늦게
// 도착한 콜백과 경합해도 한쪽만 적용된다.
type ExpiryWorker struct {
	reconciler service.Reconciler
	logger     *zap.Logger
	interval   time.Duration
	timeout    time.Duration
}

// NewExpiryWorker 만료 워커 생성
func NewExpiryWorker(
	reconciler service.Reconciler,
	logger *zap.Logger,
	interval time.Duration,
	timeout time.Duration,
) *ExpiryWorker {
	return &ExpiryWorker{
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
		timeout:    timeout,
	}
}

// Start 워커 시작
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("expiry worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("settlementTimeout", w.timeout))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("expiry worker stopped")
			return
		case <-ticker.C:
			olderThan := time.Now().Add(-w.timeout)
			count, err := w.reconciler.ExpirePending(ctx, olderThan)
			if err != nil {
				w.logger.Error("failed to expire pending payments", zap.Error(err))
				continue
			}
			if count > 0 {
				w.logger.Info("expired pending payments", zap.Int("count", count))
			}
		}
	}
}
