package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
)

// CallbackEnvelope 게이트웨이 비동기 알림 봉투
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// STKCallback 결제 결과 알림
type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata 콜백 메타데이터 (순서 없는 key/value 목록)
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem 메타데이터 항목
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ParseCallback 콜백 본문 파싱 및 구조 검증
//
// CheckoutRequestID가 비어 있으면 구조적으로 무효한 알림으로 간주하고
// MALFORMED_CALLBACK을 반환한다.
func ParseCallback(r io.Reader) (*STKCallback, error) {
	var envelope CallbackEnvelope
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedCallback, "failed to decode callback body", err)
	}

	cb := envelope.Body.STKCallback
	cb.CheckoutRequestID = strings.TrimSpace(cb.CheckoutRequestID)
	if cb.CheckoutRequestID == "" {
		return nil, errors.New(errors.ErrCodeMalformedCallback, "callback missing CheckoutRequestID")
	}

	return &cb, nil
}

// Outcome 결과 코드에 따른 종결 상태
func (c *STKCallback) Outcome() domain.PaymentStatus {
	if c.ResultCode == 0 {
		return domain.PaymentStatusCompleted
	}
	return domain.PaymentStatusFailed
}

// metadataValue 이름으로 메타데이터 항목 조회 (목록은 순서를 보장하지 않음)
func (c *STKCallback) metadataValue(name string) (interface{}, bool) {
	if c.CallbackMetadata == nil {
		return nil, false
	}
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

// MpesaReceiptNumber 영수증 번호 추출
func (c *STKCallback) MpesaReceiptNumber() string {
	value, ok := c.metadataValue("MpesaReceiptNumber")
	if !ok {
		return ""
	}
	return asString(value)
}

// AmountValue 콜백에 보고된 금액 추출
func (c *STKCallback) AmountValue() (int64, bool) {
	value, ok := c.metadataValue("Amount")
	if !ok {
		return 0, false
	}
	return asInt64(value)
}

// PhoneNumberValue 콜백에 보고된 전화번호 추출
func (c *STKCallback) PhoneNumberValue() string {
	value, ok := c.metadataValue("PhoneNumber")
	if !ok {
		return ""
	}
	return asString(value)
}

// TransactionDateValue 거래 일시 추출 (YYYYMMDDHHMMSS)
func (c *STKCallback) TransactionDateValue() *time.Time {
	value, ok := c.metadataValue("TransactionDate")
	if !ok {
		return nil
	}

	t, err := time.Parse(timestampLayout, asString(value))
	if err != nil {
		return nil
	}
	return &t
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// JSON 숫자는 float64로 디코딩된다 (전화번호, 거래일시 등)
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
