package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/internal/domain"
)

const successCallback = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_1",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "TransactionDate", "Value": 20240315093122},
					{"Name": "Amount", "Value": 50.0},
					{"Name": "MpesaReceiptNumber", "Value": "R123"},
					{"Name": "Balance"},
					{"Name": "PhoneNumber", "Value": 254712345678}
				]
			}
		}
	}
}`

func TestParseCallback_Success(t *testing.T) {
	cb, err := ParseCallback(strings.NewReader(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_1", cb.CheckoutRequestID)
	assert.Equal(t, 0, cb.ResultCode)
	assert.Equal(t, domain.PaymentStatusCompleted, cb.Outcome())

	// 메타데이터는 이름으로 조회 (위치가 아님)
	assert.Equal(t, "R123", cb.MpesaReceiptNumber())
	assert.Equal(t, "254712345678", cb.PhoneNumberValue())

	amount, ok := cb.AmountValue()
	require.True(t, ok)
	assert.Equal(t, int64(50), amount)

	date := cb.TransactionDateValue()
	require.NotNil(t, date)
	assert.Equal(t, time.Date(2024, 3, 15, 9, 31, 22, 0, time.UTC), *date)
}

func TestParseCallback_Failed(t *testing.T) {
	body := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_2",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`

	cb, err := ParseCallback(strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusFailed, cb.Outcome())
	assert.Equal(t, "Request cancelled by user", cb.ResultDesc)
	assert.Equal(t, "", cb.MpesaReceiptNumber())

	_, ok := cb.AmountValue()
	assert.False(t, ok)
	assert.Nil(t, cb.TransactionDateValue())
}

func TestParseCallback_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not-json`},
		{"empty object", `{}`},
		{"missing checkout id", `{"Body":{"stkCallback":{"ResultCode":0,"ResultDesc":"ok"}}}`},
		{"blank checkout id", `{"Body":{"stkCallback":{"CheckoutRequestID":"   ","ResultCode":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCallback(strings.NewReader(tt.body))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedCallback))
		})
	}
}

func TestParseCallback_TrimsCheckoutID(t *testing.T) {
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":" ws_CO_3 ","ResultCode":0,"ResultDesc":"ok"}}}`

	cb, err := ParseCallback(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_3", cb.CheckoutRequestID)
}
