package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
)

// timestampLayout Daraja 타임스탬프 포맷 (초 단위)
const timestampLayout = "20060102150405"

// Client STK Push 시작 호출 클라이언트 인터페이스
type Client interface {
	// STKPush 결제 시작 요청. 성공 시 게이트웨이의 원본 응답 반환,
	// 실패 시 GATEWAY_REQUEST_ERROR.
	STKPush(ctx context.Context, token, phoneNumber string, amount int64) (*STKPushResponse, error)
}

// STKPushResponse 게이트웨이 시작 호출 응답
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// DarajaClient Daraja STK Push 클라이언트
type DarajaClient struct {
	baseURL     string
	shortCode   string
	passKey     string
	callbackURL string
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
}

// NewDarajaClient Daraja 클라이언트 생성
func NewDarajaClient(baseURL, shortCode, passKey, callbackURL string, timeout time.Duration, logger *zap.Logger) *DarajaClient {
	return &DarajaClient{
		baseURL:     baseURL,
		shortCode:   shortCode,
		passKey:     passKey,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
		now:         time.Now,
	}
}

// DerivePassword 타임스탬프 기반 패스워드 생성
//
// base64(shortcode + passkey + timestamp), 타임스탬프는 초 단위.
func DerivePassword(shortCode, passKey string, t time.Time) (password, timestamp string) {
	timestamp = t.Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
	return password, timestamp
}

// STKPush 결제 시작 요청
func (c *DarajaClient) STKPush(ctx context.Context, token, phoneNumber string, amount int64) (*STKPushResponse, error) {
	password, timestamp := DerivePassword(c.shortCode, c.passKey, c.now())

	reqBody := stkPushRequest{
		BusinessShortCode: c.shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phoneNumber,
		PartyB:            c.shortCode,
		PhoneNumber:       phoneNumber,
		CallBackURL:       c.callbackURL,
		AccountReference:  "Booking Payment",
		TransactionDesc:   "Appointment booking payment",
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal stk push request", err)
	}

	url := c.baseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGatewayRequestError, "failed to build stk push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGatewayRequestError, "stk push request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeGatewayRequestError, "failed to read stk push response", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("stk push rejected by gateway",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, errors.New(errors.ErrCodeGatewayRequestError,
			fmt.Sprintf("gateway returned status %d", resp.StatusCode))
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		return nil, errors.Wrap(errors.ErrCodeGatewayRequestError, "failed to decode stk push response", err)
	}

	if pushResp.ResponseCode != "0" {
		return nil, errors.New(errors.ErrCodeGatewayRequestError,
			fmt.Sprintf("gateway declined stk push: %s", pushResp.ResponseDescription))
	}

	if pushResp.CheckoutRequestID == "" {
		return nil, errors.New(errors.ErrCodeGatewayRequestError, "gateway response missing CheckoutRequestID")
	}

	return &pushResp, nil
}
