package domain

import "time"

// PaymentStatus 결제 상태
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// Payment 결제 도메인 모델
//
// CheckoutRequestID는 게이트웨이가 결제 시작 응답에서 발급하는
// 상관관계 식별자로, 비동기 콜백과의 대사(reconciliation) 키가 된다.
type Payment struct {
	ID                 int64
	CheckoutRequestID  string
	MerchantRequestID  string
	PhoneNumber        string
	Amount             int64
	UserID             int64
	Status             PaymentStatus
	FailureReason      string
	MpesaReceiptNumber string
	TransactionDate    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsSettled 종결 상태(Completed/Failed) 여부 확인
func (p *Payment) IsSettled() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// CanTransition 상태 전이 가능 여부 확인
//
// PENDING에서 종결 상태로의 전이만 허용한다. 종결 상태는 불변이다.
func CanTransition(from, to PaymentStatus) bool {
	validTransitions := map[PaymentStatus][]PaymentStatus{
		PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed},
		PaymentStatusCompleted: {},
		PaymentStatusFailed:    {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// SettlementFields 종결 전이 시 함께 기록되는 필드
type SettlementFields struct {
	FailureReason      string
	MpesaReceiptNumber string
	TransactionDate    *time.Time
}
