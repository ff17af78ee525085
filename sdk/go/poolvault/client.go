// Package poolvault is a Go client for the pool vault HTTP API.
package poolvault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("poolvault sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// WithdrawRequest is a withdrawal in the approval queue.
type WithdrawRequest struct {
	ID           uint64     `json:"id"`
	Owner        string     `json:"owner"`
	SharesAmount string     `json:"shares_amount"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// Settlement reports the monetary effect of an approved withdrawal.
type Settlement struct {
	RequestID     uint64 `json:"request_id"`
	Owner         string `json:"owner"`
	SharesBurned  string `json:"shares_burned"`
	AssetsSettled string `json:"assets_settled"`
	Fee           string `json:"fee"`
	NetPaid       string `json:"net_paid"`
	Treasury      string `json:"treasury"`
}

type Valuation struct {
	TotalAssetsReported string    `json:"total_assets_reported"`
	TotalSharesReported string    `json:"total_shares_reported"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type VaultConfig struct {
	AgentAccount       string `json:"agent_account"`
	TreasuryAccount    string `json:"treasury_account"`
	WithdrawFeeRatePPM uint64 `json:"withdraw_fee_rate_ppm"`
	FeePrecisionPPM    uint64 `json:"fee_precision_ppm"`
	MaxFeePPM          uint64 `json:"max_fee_ppm"`
	AssetDecimals      uint   `json:"asset_decimals"`
	ShareDecimals      uint   `json:"share_decimals"`
	VaultAccount       string `json:"vault_account"`
}

type AccountSummary struct {
	Account             string `json:"account"`
	ShareBalance        string `json:"share_balance"`
	ShareBalanceDecimal string `json:"share_balance_decimal"`
	AssetBalance        string `json:"asset_balance"`
	AssetBalanceDecimal string `json:"asset_balance_decimal"`
	HasPendingRequest   bool   `json:"has_pending_request"`
}

type DepositResult struct {
	Assets   string `json:"assets"`
	Receiver string `json:"receiver"`
	Shares   string `json:"shares"`
}

type IssuedToken struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return newNonce() }

// Deposit moves assets into the vault and mints shares to receiver. Leave
// receiver empty to mint to the caller. Mutating calls are not retried unless
// an idempotency key is supplied.
func (c *Client) Deposit(ctx context.Context, assets, receiver, idempotencyKey string) (*DepositResult, error) {
	body := map[string]any{"assets": assets}
	if receiver != "" {
		body["receiver"] = receiver
	}
	out := &DepositResult{}
	if err := c.do(ctx, http.MethodPost, "/vault/deposits", body, idemHeaders(idempotencyKey), idempotencyKey != "", out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestWithdraw opens a withdrawal request for the caller's own balance.
func (c *Client) RequestWithdraw(ctx context.Context, assets, idempotencyKey string) (*WithdrawRequest, error) {
	out := &WithdrawRequest{}
	err := c.do(ctx, http.MethodPost, "/vault/withdrawals", map[string]any{"assets": assets},
		idemHeaders(idempotencyKey), idempotencyKey != "", out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ApproveWithdraw(ctx context.Context, id uint64) (*Settlement, error) {
	out := &Settlement{}
	if err := c.do(ctx, http.MethodPost, "/vault/withdrawals/"+formatID(id)+"/approve", nil, nil, false, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RejectWithdraw(ctx context.Context, id uint64) (*WithdrawRequest, error) {
	out := &WithdrawRequest{}
	if err := c.do(ctx, http.MethodPost, "/vault/withdrawals/"+formatID(id)+"/reject", nil, nil, false, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetWithdrawal(ctx context.Context, id uint64) (*WithdrawRequest, error) {
	out := &WithdrawRequest{}
	if err := c.do(ctx, http.MethodGet, "/vault/withdrawals/"+formatID(id), nil, nil, true, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListWithdrawals returns withdrawal requests. Leave owner empty for the
// caller's own; naming another owner requires the admin or agent role.
func (c *Client) ListWithdrawals(ctx context.Context, owner string) ([]WithdrawRequest, error) {
	path := "/vault/withdrawals"
	if owner != "" {
		v := url.Values{}
		v.Set("owner", owner)
		path += "?" + v.Encode()
	}
	var out struct {
		Withdrawals []WithdrawRequest `json:"withdrawals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Withdrawals, nil
}

// Delegate sweeps the vault's idle asset balance to the agent. Agent only.
func (c *Client) Delegate(ctx context.Context) (string, error) {
	var out struct {
		Assets string `json:"assets"`
	}
	if err := c.do(ctx, http.MethodPost, "/vault/delegate", nil, nil, false, &out); err != nil {
		return "", err
	}
	return out.Assets, nil
}

// Remit returns assets from the agent's custody to the vault. Agent only.
func (c *Client) Remit(ctx context.Context, assets string) error {
	return c.do(ctx, http.MethodPost, "/vault/remit", map[string]any{"assets": assets}, nil, false, nil)
}

func (c *Client) GetValuation(ctx context.Context) (*Valuation, error) {
	out := &Valuation{}
	if err := c.do(ctx, http.MethodGet, "/vault/valuation", nil, nil, true, out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateValuation reports a fresh off-system valuation. Agent only.
func (c *Client) UpdateValuation(ctx context.Context, totalAssets, totalShares string) error {
	body := map[string]any{"total_assets": totalAssets, "total_shares": totalShares}
	return c.do(ctx, http.MethodPost, "/vault/valuation", body, nil, false, nil)
}

func (c *Client) GetConfig(ctx context.Context) (*VaultConfig, error) {
	out := &VaultConfig{}
	if err := c.do(ctx, http.MethodGet, "/vault/config", nil, nil, true, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateFeeRate(ctx context.Context, ratePPM uint64) error {
	return c.do(ctx, http.MethodPost, "/vault/config/fee", map[string]any{"rate_ppm": ratePPM}, nil, false, nil)
}

func (c *Client) UpdateAgent(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodPost, "/vault/config/agent", map[string]any{"account": account}, nil, false, nil)
}

func (c *Client) UpdateTreasury(ctx context.Context, account string) error {
	return c.do(ctx, http.MethodPost, "/vault/config/treasury", map[string]any{"account": account}, nil, false, nil)
}

func (c *Client) ConvertToShares(ctx context.Context, assets string) (string, error) {
	return c.convertQuery(ctx, "/vault/convert/to-shares", "assets", assets, "shares")
}

func (c *Client) ConvertToAssets(ctx context.Context, shares string) (string, error) {
	return c.convertQuery(ctx, "/vault/convert/to-assets", "shares", shares, "assets")
}

func (c *Client) PreviewDeposit(ctx context.Context, assets string) (string, error) {
	return c.convertQuery(ctx, "/vault/preview/deposit", "assets", assets, "shares")
}

func (c *Client) PreviewWithdraw(ctx context.Context, assets string) (string, error) {
	return c.convertQuery(ctx, "/vault/preview/withdraw", "assets", assets, "shares")
}

func (c *Client) convertQuery(ctx context.Context, path, param, value, field string) (string, error) {
	v := url.Values{}
	v.Set(param, value)
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, path+"?"+v.Encode(), nil, nil, true, &out); err != nil {
		return "", err
	}
	s, _ := out[field].(string)
	return s, nil
}

func (c *Client) GetAccount(ctx context.Context, account string) (*AccountSummary, error) {
	out := &AccountSummary{}
	if err := c.do(ctx, http.MethodGet, "/vault/accounts/"+url.PathEscape(account), nil, nil, true, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreditAccount funds an account's asset balance. Admin only.
func (c *Client) CreditAccount(ctx context.Context, account, assets string) error {
	path := "/vault/accounts/" + url.PathEscape(account) + "/credit"
	return c.do(ctx, http.MethodPost, path, map[string]any{"assets": assets}, nil, false, nil)
}

// IssueToken mints an API token for an account. Admin only. The plaintext
// token appears only in this response.
func (c *Client) IssueToken(ctx context.Context, account string) (*IssuedToken, error) {
	out := &IssuedToken{}
	path := "/vault/accounts/" + url.PathEscape(account) + "/tokens"
	if err := c.do(ctx, http.MethodPost, path, nil, nil, false, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, retryable bool, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "poolvault-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return parseSDKError(resp.StatusCode, respBody)
	}
	return errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func idemHeaders(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Idempotency-Key": key}
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
