package futures_usdt

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"trading-pipeline/pkg/exchanges/common"
)

const (
	mainnetURL = "https://fapi.binance.com"
	testnetURL = "https://testnet.binancefuture.com"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	// BaseURL overrides the mainnet/testnet endpoint.
	BaseURL           string
	RequestsPerSecond float64
	// CallTimeout bounds every request; zero leaves it to the caller's context.
	CallTimeout time.Duration
}

// Client handles Binance USDT-M futures.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	logger      *zap.Logger
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := mainnetURL
	if cfg.Testnet {
		base = testnetURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.Named("binance"),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.logger)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, cfg.RequestsPerSecond, c.logger) // 2400 weight/min for futures
	return c
}

// TimeSync exposes the clock offset tracker. Live trading runs it for the
// lifetime of the process so signed requests carry server time.
func (c *Client) TimeSync() *common.TimeSync { return c.timeSync }

// Usage reports the last weight the exchange returned.
func (c *Client) Usage() (used, limit int, pct float64) { return c.rateLimiter.GetUsage() }

func (c *Client) now() int64 { return c.timeSync.Now() }

func (c *Client) hasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// doSigned stamps, signs and sends a private request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if !c.hasCredentials() {
		return nil, fmt.Errorf("binance usdt futures: %w", common.ErrCredentialsRequired)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	encoded := params.Encode()
	endpoint := c.baseURL + path
	body, err := c.send(ctx, method, path, func(ctx context.Context) (*http.Request, error) {
		switch method {
		case http.MethodGet, http.MethodDelete:
			return http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
		default:
			req, err := http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return req, nil
		}
	})
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == common.CodeTimestamp {
		// the caller's retry is stamped with the corrected offset
		if syncErr := c.timeSync.Sync(ctx); syncErr != nil {
			c.logger.Warn("resync after timestamp rejection failed", zap.Error(syncErr))
		} else {
			c.logger.Info("clock resynced after timestamp rejection", zap.Int64("offset_ms", c.timeSync.Offset()))
		}
	}
	return body, err
}

// doPublic sends an unsigned GET.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.send(ctx, http.MethodGet, path, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
}

func (c *Client) send(ctx context.Context, method, path string, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance usdt futures %s %s: %w", method, path, parseAPIError(res.StatusCode, body))
	}
	return body, nil
}

func parseAPIError(status int, body []byte) *common.APIError {
	apiErr := &common.APIError{Status: status}
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Msg != "" {
		apiErr.Code = payload.Code
		apiErr.Msg = payload.Msg
		return apiErr
	}
	apiErr.Msg = strings.TrimSpace(string(body))
	return apiErr
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
