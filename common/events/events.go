package events

import "time"

// EventType 이벤트 타입 정의
type EventType string

const (
	// Payment Lifecycle Events
	EventPaymentInitiated EventType = "payment.initiated.v1"
	EventPaymentCompleted EventType = "payment.completed.v1"
	EventPaymentFailed    EventType = "payment.failed.v1"
	EventPaymentExpired   EventType = "payment.expired.v1"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // 게이트웨이 CheckoutRequestID
}

// PaymentInitiatedEvent 결제 시작 이벤트
type PaymentInitiatedEvent struct {
	BaseEvent
	PaymentID   int64  `json:"paymentId"`
	UserID      int64  `json:"userId"`
	PhoneNumber string `json:"phoneNumber"`
	Amount      int64  `json:"amount"`
}

// PaymentCompletedEvent 결제 완료 이벤트
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID          int64      `json:"paymentId"`
	Amount             int64      `json:"amount"`
	MpesaReceiptNumber string     `json:"mpesaReceiptNumber"`
	TransactionDate    *time.Time `json:"transactionDate,omitempty"`
}

// PaymentFailedEvent 결제 실패 이벤트
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID int64  `json:"paymentId"`
	Reason    string `json:"reason"`
}

// PaymentExpiredEvent 결제 만료 이벤트 (콜백 미수신)
type PaymentExpiredEvent struct {
	BaseEvent
	PaymentID  int64         `json:"paymentId"`
	PendingFor time.Duration `json:"pendingForNs"`
}
