package poolvault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeposit_SendsBearerAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"assets":   body["assets"],
			"receiver": "alice",
			"shares":   "1000000",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123")
	res, err := c.Deposit(context.Background(), "1000000", "", "key-1")
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotKey != "key-1" {
		t.Fatalf("Idempotency-Key = %q", gotKey)
	}
	if gotPath != "/vault/deposits" {
		t.Fatalf("path = %q", gotPath)
	}
	if res.Shares != "1000000" {
		t.Fatalf("shares = %q", res.Shares)
	}
}

func TestWithdrawLifecycleDecoding(t *testing.T) {
	decided := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/vault/withdrawals":
			w.WriteHeader(201)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": 7, "owner": "alice", "shares_amount": "500",
				"status": "PENDING", "created_at": decided.Add(-time.Hour),
			})
		case "/vault/withdrawals/7/approve":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": 7, "owner": "alice",
				"shares_burned": "500", "assets_settled": "500",
				"fee": "5", "net_paid": "495", "treasury": "treasury",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	req, err := c.RequestWithdraw(context.Background(), "500", "")
	if err != nil {
		t.Fatalf("RequestWithdraw: %v", err)
	}
	if req.ID != 7 || req.Status != "PENDING" {
		t.Fatalf("request = %+v", req)
	}
	settled, err := c.ApproveWithdraw(context.Background(), 7)
	if err != nil {
		t.Fatalf("ApproveWithdraw: %v", err)
	}
	if settled.Fee != "5" || settled.NetPaid != "495" {
		t.Fatalf("settlement = %+v", settled)
	}
}

func TestErrorEnvelopeParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req_abc",
			"error": map[string]any{
				"code":    "ALREADY_REQUESTED_WITHDRAW",
				"message": "a pending request exists",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.RequestWithdraw(context.Background(), "1", "")
	if err == nil {
		t.Fatal("expected error")
	}
	var sdkErr *Error
	if !errors.As(err, &sdkErr) {
		t.Fatalf("error type = %T", err)
	}
	if sdkErr.StatusCode != 409 {
		t.Fatalf("status = %d", sdkErr.StatusCode)
	}
	if sdkErr.ErrorCode != "ALREADY_REQUESTED_WITHDRAW" {
		t.Fatalf("code = %q", sdkErr.ErrorCode)
	}
	if sdkErr.RequestID != "req_abc" {
		t.Fatalf("request_id = %q", sdkErr.RequestID)
	}
}

func TestRetriesOn503ForReads(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(503)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_assets_reported": "10",
			"total_shares_reported": "5",
			"updated_at":            time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	val, err := c.GetValuation(context.Background())
	if err != nil {
		t.Fatalf("GetValuation: %v", err)
	}
	if val.TotalAssetsReported != "10" {
		t.Fatalf("total_assets_reported = %q", val.TotalAssetsReported)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestMutationsWithoutKeyAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	if _, err := c.Deposit(context.Background(), "1", "", ""); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestListWithdrawalsOwnerQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("owner"); got != "bob" {
			t.Errorf("owner query = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"withdrawals": []map[string]any{
				{"id": 1, "owner": "bob", "shares_amount": "9", "status": "REJECTED", "created_at": time.Now().UTC()},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	reqs, err := c.ListWithdrawals(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListWithdrawals: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Status != "REJECTED" {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestNewIdempotencyKeyIsUnique(t *testing.T) {
	a, b := NewIdempotencyKey(), NewIdempotencyKey()
	if a == "" || a == b {
		t.Fatalf("keys not unique: %q %q", a, b)
	}
}
