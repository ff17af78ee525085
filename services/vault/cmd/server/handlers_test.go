package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"poolvault/pkg/authn"
	"poolvault/pkg/domain"
	"poolvault/services/vault/internal/engine"
	"poolvault/services/vault/internal/store"
)

const (
	adminToken = "admin-token"
	agentToken = "agent-token"
	aliceToken = "alice-token"
)

func newTestServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	vault := engine.New(mem, engine.Options{AssetDecimals: 6, Logger: zap.NewNop()})
	if err := vault.Init(ctx, "admin", "agent", "treasury"); err != nil {
		t.Fatalf("init: %v", err)
	}
	for token, account := range map[string]domain.Account{
		adminToken: "admin",
		agentToken: "agent",
		aliceToken: "alice",
	} {
		if err := mem.RegisterToken(ctx, authn.HashToken(token), account); err != nil {
			t.Fatalf("register token: %v", err)
		}
	}
	return &server{vault: vault, store: mem, log: zap.NewNop()}
}

func doJSON(t *testing.T, s *server, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %q", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func creditAlice(t *testing.T, s *server, assets string) {
	t.Helper()
	rec := doJSON(t, s, "POST", "/vault/accounts/alice/credit", adminToken, map[string]any{"assets": assets}, nil)
	if rec.Code != 200 {
		t.Fatalf("credit: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "GET", "/vault/valuation", "", nil, nil)
	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestDepositMintsShares(t *testing.T) {
	s := newTestServer(t)
	creditAlice(t, s, "1000000")

	rec := doJSON(t, s, "POST", "/vault/deposits", aliceToken, map[string]any{"assets": "1000000"}, nil)
	if rec.Code != 201 {
		t.Fatalf("deposit: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["shares"] != "1000000" {
		t.Fatalf("shares = %v, want 1000000", body["shares"])
	}

	rec = doJSON(t, s, "GET", "/vault/accounts/alice", aliceToken, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("account: status %d", rec.Code)
	}
	acct := decodeBody(t, rec)
	if acct["share_balance"] != "1000000" {
		t.Fatalf("share_balance = %v", acct["share_balance"])
	}
	if acct["asset_balance"] != "0" {
		t.Fatalf("asset_balance = %v", acct["asset_balance"])
	}

	// Deposited funds are forwarded to the agent right away.
	rec = doJSON(t, s, "GET", "/vault/accounts/agent", agentToken, nil, nil)
	agentAcct := decodeBody(t, rec)
	if agentAcct["asset_balance"] != "1000000" {
		t.Fatalf("agent asset_balance = %v", agentAcct["asset_balance"])
	}
}

func TestDepositIdempotencyReplay(t *testing.T) {
	s := newTestServer(t)
	creditAlice(t, s, "500000")

	headers := map[string]string{"Idempotency-Key": "dep-1"}
	first := doJSON(t, s, "POST", "/vault/deposits", aliceToken, map[string]any{"assets": "500000"}, headers)
	if first.Code != 201 {
		t.Fatalf("first deposit: status %d body %s", first.Code, first.Body.String())
	}
	second := doJSON(t, s, "POST", "/vault/deposits", aliceToken, map[string]any{"assets": "500000"}, headers)
	if second.Code != 201 {
		t.Fatalf("replay: status %d body %s", second.Code, second.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body mismatch: %s vs %s", first.Body.String(), second.Body.String())
	}

	rec := doJSON(t, s, "GET", "/vault/accounts/alice", aliceToken, nil, nil)
	acct := decodeBody(t, rec)
	if acct["share_balance"] != "500000" {
		t.Fatalf("share_balance after replay = %v, want 500000", acct["share_balance"])
	}
}

func TestWithdrawLifecycle(t *testing.T) {
	s := newTestServer(t)
	creditAlice(t, s, "1000000")
	doJSON(t, s, "POST", "/vault/deposits", aliceToken, map[string]any{"assets": "1000000"}, nil)

	// Agent sets a 1% fee via admin and remits liquidity for settlement.
	rec := doJSON(t, s, "POST", "/vault/config/fee", adminToken, map[string]any{"rate_ppm": 10000}, nil)
	if rec.Code != 200 {
		t.Fatalf("fee: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s, "POST", "/vault/remit", agentToken, map[string]any{"assets": "1000000"}, nil)
	if rec.Code != 200 {
		t.Fatalf("remit: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "POST", "/vault/withdrawals", aliceToken, map[string]any{"assets": "1000000"}, nil)
	if rec.Code != 201 {
		t.Fatalf("request: status %d body %s", rec.Code, rec.Body.String())
	}
	created := decodeBody(t, rec)
	if created["id"] != float64(1) {
		t.Fatalf("id = %v, want 1", created["id"])
	}
	if created["status"] != "PENDING" {
		t.Fatalf("status = %v", created["status"])
	}

	// A second request while one is pending conflicts.
	rec = doJSON(t, s, "POST", "/vault/withdrawals", aliceToken, map[string]any{"assets": "1"}, nil)
	if rec.Code != 409 || errorCode(t, rec) != "ALREADY_REQUESTED_WITHDRAW" {
		t.Fatalf("duplicate request: status %d code %s", rec.Code, rec.Body.String())
	}

	// Only the agent decides.
	rec = doJSON(t, s, "POST", "/vault/withdrawals/1/approve", aliceToken, nil, nil)
	if rec.Code != 403 {
		t.Fatalf("owner approve: status %d", rec.Code)
	}

	rec = doJSON(t, s, "POST", "/vault/withdrawals/1/approve", agentToken, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("approve: status %d body %s", rec.Code, rec.Body.String())
	}
	settled := decodeBody(t, rec)
	if settled["assets_settled"] != "1000000" {
		t.Fatalf("assets_settled = %v", settled["assets_settled"])
	}
	if settled["fee"] != "10000" {
		t.Fatalf("fee = %v, want 10000", settled["fee"])
	}
	if settled["net_paid"] != "990000" {
		t.Fatalf("net_paid = %v, want 990000", settled["net_paid"])
	}

	rec = doJSON(t, s, "GET", "/vault/withdrawals/1", aliceToken, nil, nil)
	got := decodeBody(t, rec)
	if got["status"] != "APPROVED" {
		t.Fatalf("status after approve = %v", got["status"])
	}

	// Terminal requests cannot be decided again.
	rec = doJSON(t, s, "POST", "/vault/withdrawals/1/reject", agentToken, nil, nil)
	if rec.Code != 409 || errorCode(t, rec) != "REQUEST_NOT_PENDING" {
		t.Fatalf("re-decide: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/vault/withdrawals/99/approve", agentToken, nil, nil)
	if rec.Code != 404 || errorCode(t, rec) != "REQUEST_NOT_FOUND" {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestValuationAgentOnly(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"total_assets": "2000000", "total_shares": "1000000"}

	rec := doJSON(t, s, "POST", "/vault/valuation", aliceToken, body, nil)
	if rec.Code != 403 || errorCode(t, rec) != "ACCESS_DENIED" {
		t.Fatalf("non-agent: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "POST", "/vault/valuation", agentToken, body, nil)
	if rec.Code != 200 {
		t.Fatalf("agent: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/vault/valuation", aliceToken, nil, nil)
	val := decodeBody(t, rec)
	if val["total_assets_reported"] != "2000000" {
		t.Fatalf("total_assets_reported = %v", val["total_assets_reported"])
	}
}

func TestConvertReflectsValuation(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, "POST", "/vault/valuation", agentToken,
		map[string]any{"total_assets": "2000000", "total_shares": "1000000"}, nil)

	rec := doJSON(t, s, "GET", "/vault/convert/to-shares?assets=1000000", aliceToken, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("convert: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	// 1000000 * (1000000+1) / (2000000+1) rounded down.
	if body["shares"] != "500000" {
		t.Fatalf("shares = %v, want 500000", body["shares"])
	}
}

func TestFeeRateBound(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/vault/config/fee", adminToken, map[string]any{"rate_ppm": 25000}, nil)
	if rec.Code != 400 || errorCode(t, rec) != "EXCEEDS_MAX_FEE" {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMintRedeemNotSupported(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/vault/mint", "/vault/redeem"} {
		rec := doJSON(t, s, "POST", path, aliceToken, map[string]any{"shares": "1"}, nil)
		if rec.Code != 400 || errorCode(t, rec) != "NOT_SUPPORTED" {
			t.Fatalf("%s: status %d body %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestAccountAccessControl(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "GET", "/vault/accounts/admin", aliceToken, nil, nil)
	if rec.Code != 403 {
		t.Fatalf("cross-account read: status %d", rec.Code)
	}
	rec = doJSON(t, s, "GET", "/vault/accounts/alice", adminToken, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("admin read: status %d", rec.Code)
	}
}

func TestIssueTokenAdminOnly(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, "POST", "/vault/accounts/bob/tokens", aliceToken, nil, nil)
	if rec.Code != 403 {
		t.Fatalf("non-admin: status %d", rec.Code)
	}

	rec = doJSON(t, s, "POST", "/vault/accounts/bob/tokens", adminToken, nil, nil)
	if rec.Code != 201 {
		t.Fatalf("admin: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("expected issued token")
	}

	rec = doJSON(t, s, "GET", "/vault/accounts/bob", token, nil, nil)
	if rec.Code != 200 {
		t.Fatalf("issued token rejected: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestInvalidAmountRejected(t *testing.T) {
	s := newTestServer(t)
	for _, assets := range []string{"", "abc", "-5", "1.5"} {
		rec := doJSON(t, s, "POST", "/vault/deposits", aliceToken, map[string]any{"assets": assets}, nil)
		if rec.Code != 400 {
			t.Fatalf("assets %q: status %d body %s", assets, rec.Code, rec.Body.String())
		}
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	newRouter(s).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("health: status %d", rec.Code)
	}
}
