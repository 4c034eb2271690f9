package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kyungseok/mpesa-payments-go/common/errors"
)

// TokenProvider 게이트웨이 인증 토큰 제공자 인터페이스
type TokenProvider interface {
	// Acquire 유효한 bearer 토큰 반환. 실패 시 GATEWAY_AUTH_ERROR.
	Acquire(ctx context.Context) (string, error)
}

// tokenExpiryMargin 만료 직전 토큰으로 시작 호출이 실패하지 않도록 둔 여유
const tokenExpiryMargin = 30 * time.Second

// DarajaTokenProvider Daraja OAuth 토큰 제공자
//
// client_credentials 토큰을 만료 시각까지 프로세스 전역으로 캐싱한다.
// 만료(여유 포함) 이후의 Acquire는 반드시 재발급한다.
type DarajaTokenProvider struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	httpClient     *http.Client
	logger         *zap.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewDarajaTokenProvider Daraja 토큰 제공자 생성
func NewDarajaTokenProvider(baseURL, consumerKey, consumerSecret string, timeout time.Duration, logger *zap.Logger) *DarajaTokenProvider {
	return &DarajaTokenProvider{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // Daraja는 초 단위 문자열로 응답
}

// Acquire 유효한 토큰 반환 (필요 시 재발급)
func (p *DarajaTokenProvider) Acquire(ctx context.Context) (string, error) {
	if p.consumerKey == "" || p.consumerSecret == "" {
		return "", errors.New(errors.ErrCodeGatewayAuthError, "gateway credentials are not configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt.Add(-tokenExpiryMargin)) {
		return p.token, nil
	}

	token, expiresIn, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiresAt = time.Now().Add(expiresIn)
	p.logger.Debug("gateway token refreshed", zap.Duration("expiresIn", expiresIn))

	return p.token, nil
}

func (p *DarajaTokenProvider) fetch(ctx context.Context) (string, time.Duration, error) {
	url := p.baseURL + "/oauth/v1/generate?grant_type=client_credentials"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, errors.Wrap(errors.ErrCodeGatewayAuthError, "failed to build token request", err)
	}
	req.SetBasicAuth(p.consumerKey, p.consumerSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(errors.ErrCodeGatewayAuthError, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.New(errors.ErrCodeGatewayAuthError,
			fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, errors.Wrap(errors.ErrCodeGatewayAuthError, "failed to decode token response", err)
	}

	if body.AccessToken == "" {
		return "", 0, errors.New(errors.ErrCodeGatewayAuthError, "token endpoint returned empty token")
	}

	seconds, err := strconv.ParseInt(body.ExpiresIn, 10, 64)
	if err != nil || seconds <= 0 {
		seconds = 3599
	}

	return body.AccessToken, time.Duration(seconds) * time.Second, nil
}
