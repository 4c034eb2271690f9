package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
	"github.com/kyungseok/mpesa-payments-go/common/idempotency"
	"github.com/kyungseok/mpesa-payments-go/internal/gateway"
	"github.com/kyungseok/mpesa-payments-go/internal/service"
)

// callbackDedupTTL 콜백 멱등성 키 보관 기간
const callbackDedupTTL = 24 * time.Hour

// HTTPHandler HTTP 핸들러
type HTTPHandler struct {
	paymentService service.PaymentService
	reconciler     service.Reconciler
	idemStore      idempotency.Store
	logger         *zap.Logger
}

// NewHTTPHandler HTTP 핸들러 생성
func NewHTTPHandler(
	paymentService service.PaymentService,
	reconciler service.Reconciler,
	idemStore idempotency.Store,
	logger *zap.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		paymentService: paymentService,
		reconciler:     reconciler,
		idemStore:      idemStore,
		logger:         logger,
	}
}

// InitiatePaymentRequest 결제 시작 요청
type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Amount      int64  `json:"amount"`
}

// PaymentStatusResponse 결제 상태 응답
type PaymentStatusResponse struct {
	Status    string    `json:"status"`
	PaymentID int64     `json:"payment_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CallbackAck 콜백 수신 확인 응답
type CallbackAck struct {
	ResultCode int    `json:"resultCode"`
	ResultDesc string `json:"resultDesc"`
}

// ErrorResponse 에러 응답
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// InitiatePayment 결제 시작 API
func (h *HTTPHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	userID, err := authenticatedUserID(r)
	if err != nil {
		h.respondError(w, http.StatusUnauthorized, "missing or invalid user identity", "")
		return
	}

	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", string(errors.ErrCodeValidationError))
		return
	}

	cmd := service.InitiateSTKPushCommand{
		UserID:      userID,
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
	}

	pushResp, err := h.paymentService.InitiateSTKPush(r.Context(), cmd)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	// 게이트웨이의 원본 응답을 그대로 반환 (CheckoutRequestID 포함)
	h.respondJSON(w, http.StatusOK, pushResp)
}

// HandleCallback 게이트웨이 콜백 수신 API
//
// 어떤 내부 결과든 성공으로 응답한다. 게이트웨이는 비성공 응답을
// 재시도로 해석하며, 재시도로 고칠 수 있는 실패가 이 경로에는 없다.
func (h *HTTPHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	cb, err := gateway.ParseCallback(r.Body)
	if err != nil {
		h.logger.Warn("malformed callback received", zap.Error(err))
		h.ack(w)
		return
	}

	// Redis 기반 빠른 중복 차단. 실패해도 CAS 경로가 멱등성을 보장한다.
	dedupKey := idempotency.CallbackKey(cb.CheckoutRequestID, cb.ResultCode)
	if processed, _ := h.idemStore.IsProcessed(r.Context(), dedupKey); processed {
		h.logger.Debug("duplicate callback suppressed",
			zap.String("checkoutRequestId", cb.CheckoutRequestID))
		h.ack(w)
		return
	}

	if err := h.reconciler.HandleCallback(r.Context(), cb); err != nil {
		// 저장소 장애 포함: 수동 대사를 위해 기록하고 게이트웨이에는 성공 응답
		h.logger.Error("callback reconciliation failed",
			zap.String("checkoutRequestId", cb.CheckoutRequestID),
			zap.Int("resultCode", cb.ResultCode),
			zap.Error(err))
		h.ack(w)
		return
	}

	_, _ = h.idemStore.Reserve(r.Context(), dedupKey, callbackDedupTTL)
	h.ack(w)
}

// GetPaymentStatus 결제 상태 조회 API
func (h *HTTPHandler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	// URL에서 checkout id 파싱 (예: /payments/status/ws_CO_1)
	checkoutRequestID := r.URL.Path[len("/payments/status/"):]

	result, err := h.paymentService.GetStatus(r.Context(), checkoutRequestID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, PaymentStatusResponse{
		Status:    string(result.Status),
		PaymentID: result.PaymentID,
		CreatedAt: result.CreatedAt,
		UpdatedAt: result.UpdatedAt,
	})
}

// ListPayments 사용자 결제 내역 조회 API
func (h *HTTPHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	userID, err := authenticatedUserID(r)
	if err != nil {
		h.respondError(w, http.StatusUnauthorized, "missing or invalid user identity", "")
		return
	}

	payments, err := h.paymentService.ListUserPayments(r.Context(), userID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, payments)
}

// HealthCheck 헬스 체크 API
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// authenticatedUserID 업스트림 인증 게이트웨이가 전달한 사용자 식별자 추출
func authenticatedUserID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
}

func (h *HTTPHandler) ack(w http.ResponseWriter) {
	h.respondJSON(w, http.StatusOK, CallbackAck{
		ResultCode: 0,
		ResultDesc: "Callback received successfully",
	})
}

func (h *HTTPHandler) respondDomainError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrCodeValidationError:
		status = http.StatusBadRequest
	case errors.ErrCodePaymentNotFound:
		status = http.StatusNotFound
	}

	message := err.Error()
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		message = domainErr.Message
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	}

	h.respondError(w, status, message, string(code))
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, message, code string) {
	h.respondJSON(w, status, ErrorResponse{Message: message, Code: code})
}
