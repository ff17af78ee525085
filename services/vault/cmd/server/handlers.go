package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"poolvault/pkg/amount"
	"poolvault/pkg/authn"
	"poolvault/pkg/domain"
	"poolvault/pkg/httpx"
	"poolvault/pkg/vaultmath"
	"poolvault/services/vault/internal/engine"
	"poolvault/services/vault/internal/idempotency"
)

// vaultStore is everything the HTTP layer needs from a storage backend.
type vaultStore interface {
	engine.Store
	authn.TokenSource
	idempotency.Store
	RegisterToken(ctx context.Context, tokenHash string, account domain.Account) error
}

type server struct {
	vault *engine.Vault
	store vaultStore
	log   *zap.Logger
}

func newRouter(s *server) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/vault", func(api chi.Router) {
		api.Post("/deposits", s.handleDeposit)
		api.Post("/withdrawals", s.handleRequestWithdraw)
		api.Get("/withdrawals", s.handleListWithdrawals)
		api.Get("/withdrawals/{id}", s.handleGetWithdrawal)
		api.Post("/withdrawals/{id}/approve", s.handleApproveWithdraw)
		api.Post("/withdrawals/{id}/reject", s.handleRejectWithdraw)

		api.Post("/delegate", s.handleDelegate)
		api.Post("/remit", s.handleRemit)

		api.Get("/valuation", s.handleGetValuation)
		api.Post("/valuation", s.handleUpdateValuation)

		api.Get("/config", s.handleGetConfig)
		api.Post("/config/fee", s.handleUpdateFee)
		api.Post("/config/agent", s.handleUpdateAgent)
		api.Post("/config/treasury", s.handleUpdateTreasury)

		api.Get("/convert/to-shares", s.handleConvertToShares)
		api.Get("/convert/to-assets", s.handleConvertToAssets)
		api.Get("/preview/deposit", s.handlePreviewDeposit)
		api.Get("/preview/withdraw", s.handlePreviewWithdraw)

		api.Get("/accounts/{account}", s.handleGetAccount)
		api.Post("/accounts/{account}/credit", s.handleCreditAccount)
		api.Post("/accounts/{account}/tokens", s.handleIssueToken)

		api.Post("/mint", s.handleNotSupported)
		api.Post("/redeem", s.handleNotSupported)
	})
	return r
}

func (s *server) identity(r *http.Request) (authn.Identity, error) {
	return authn.AuthenticateBearer(r.Context(), s.store, r.Header.Get("Authorization"))
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authn.ErrUnauthorized):
		httpx.WriteError(w, 401, "UNAUTHORIZED", "missing or invalid bearer token", nil)
	case errors.Is(err, domain.ErrAccessDenied):
		httpx.WriteError(w, 403, "ACCESS_DENIED", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyRequestedWithdraw):
		httpx.WriteError(w, 409, "ALREADY_REQUESTED_WITHDRAW", err.Error(), nil)
	case errors.Is(err, domain.ErrRequestNotFound):
		httpx.WriteError(w, 404, "REQUEST_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrRequestNotPending):
		httpx.WriteError(w, 409, "REQUEST_NOT_PENDING", err.Error(), nil)
	case errors.Is(err, domain.ErrInsufficientBalance):
		httpx.WriteError(w, 409, "INSUFFICIENT_BALANCE", err.Error(), nil)
	case errors.Is(err, domain.ErrInsufficientShares):
		httpx.WriteError(w, 409, "INSUFFICIENT_SHARES", err.Error(), nil)
	case errors.Is(err, domain.ErrZeroAddress):
		httpx.WriteError(w, 400, "ZERO_ADDRESS", err.Error(), nil)
	case errors.Is(err, domain.ErrExceedsMaxFee):
		httpx.WriteError(w, 400, "EXCEEDS_MAX_FEE", err.Error(), nil)
	case errors.Is(err, domain.ErrExceedsMaxDeposit):
		httpx.WriteError(w, 400, "EXCEEDS_MAX_DEPOSIT", err.Error(), nil)
	case errors.Is(err, domain.ErrExceedsMaxWithdraw):
		httpx.WriteError(w, 400, "EXCEEDS_MAX_WITHDRAW", err.Error(), nil)
	case errors.Is(err, domain.ErrNotSupported):
		httpx.WriteError(w, 400, "NOT_SUPPORTED", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidAmount):
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
	default:
		httpx.WriteError(w, 500, "INTERNAL", err.Error(), nil)
	}
}

type withdrawRequestView struct {
	ID           uint64     `json:"id"`
	Owner        string     `json:"owner"`
	SharesAmount string     `json:"shares_amount"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

func viewOfRequest(req domain.WithdrawRequest) withdrawRequestView {
	return withdrawRequestView{
		ID:           req.ID,
		Owner:        string(req.Owner),
		SharesAmount: req.SharesAmount.String(),
		Status:       string(req.Status),
		CreatedAt:    req.CreatedAt,
		DecidedAt:    req.DecidedAt,
	}
}

type settlementView struct {
	RequestID     uint64 `json:"request_id"`
	Owner         string `json:"owner"`
	SharesBurned  string `json:"shares_burned"`
	AssetsSettled string `json:"assets_settled"`
	Fee           string `json:"fee"`
	NetPaid       string `json:"net_paid"`
	Treasury      string `json:"treasury"`
}

func viewOfSettlement(s engine.Settlement) settlementView {
	return settlementView{
		RequestID:     s.RequestID,
		Owner:         string(s.Owner),
		SharesBurned:  s.SharesBurned.String(),
		AssetsSettled: s.AssetsSettled.String(),
		Fee:           s.Fee.String(),
		NetPaid:       s.NetPaid.String(),
		Treasury:      string(s.Treasury),
	}
}

func (s *server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		Assets   string `json:"assets"`
		Receiver string `json:"receiver,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	assets, err := amount.ParseBaseUnits(req.Assets)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}
	receiver := ident.Account
	if req.Receiver != "" {
		receiver = domain.Account(req.Receiver)
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if status, body, found, err := idempotency.Replay(r.Context(), s.store, ident.Account, idemKey, "deposit"); err != nil {
		writeDomainError(w, err)
		return
	} else if found {
		writeRaw(w, status, body)
		return
	}

	shares, err := s.vault.Deposit(r.Context(), ident.Account, receiver, assets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body, err := json.Marshal(map[string]any{
		"assets":   assets.String(),
		"receiver": receiver,
		"shares":   shares.String(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := idempotency.Save(r.Context(), s.store, ident.Account, idemKey, "deposit", 201, body); err != nil {
		s.log.Warn("idempotency save failed", zap.Error(err))
	}
	writeRaw(w, 201, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *server) handleRequestWithdraw(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		Assets string `json:"assets"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	assets, err := amount.ParseBaseUnits(req.Assets)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if status, body, found, err := idempotency.Replay(r.Context(), s.store, ident.Account, idemKey, "request_withdraw"); err != nil {
		writeDomainError(w, err)
		return
	} else if found {
		writeRaw(w, status, body)
		return
	}

	created, err := s.vault.RequestWithdraw(r.Context(), ident.Account, ident.Account, assets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	body, err := json.Marshal(viewOfRequest(created))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := idempotency.Save(r.Context(), s.store, ident.Account, idemKey, "request_withdraw", 201, body); err != nil {
		s.log.Warn("idempotency save failed", zap.Error(err))
	}
	writeRaw(w, 201, body)
}

func requestIDParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *server) handleApproveWithdraw(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := requestIDParam(r)
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST_ID", "request id must be a positive integer", nil)
		return
	}
	settled, err := s.vault.ApproveWithdraw(r.Context(), ident.Account, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, viewOfSettlement(settled))
}

func (s *server) handleRejectWithdraw(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := requestIDParam(r)
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST_ID", "request id must be a positive integer", nil)
		return
	}
	rejected, err := s.vault.RejectWithdraw(r.Context(), ident.Account, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, viewOfRequest(rejected))
}

func (s *server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeDomainError(w, err)
		return
	}
	id, err := requestIDParam(r)
	if err != nil {
		httpx.WriteError(w, 400, "BAD_REQUEST_ID", "request id must be a positive integer", nil)
		return
	}
	req, err := s.vault.Request(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, viewOfRequest(req))
}

func (s *server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	owner := ident.Account
	if q := r.URL.Query().Get("owner"); q != "" {
		owner = domain.Account(q)
	}
	if owner != ident.Account && !ident.HasRole(domain.RoleAdmin) && !ident.HasRole(domain.RoleAgent) {
		writeDomainError(w, domain.ErrAccessDenied)
		return
	}
	reqs, err := s.vault.RequestsByOwner(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]withdrawRequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, viewOfRequest(req))
	}
	httpx.WriteJSON(w, 200, map[string]any{"withdrawals": views})
}

func (s *server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	swept, err := s.vault.DelegateFundsToAgent(r.Context(), ident.Account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"assets": swept.String()})
}

func (s *server) handleRemit(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		Assets string `json:"assets"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	assets, err := amount.ParseBaseUnits(req.Assets)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}
	if err := s.vault.RemitFromAgent(r.Context(), ident.Account, assets); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"assets": assets.String()})
}

func (s *server) handleGetValuation(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeDomainError(w, err)
		return
	}
	val, err := s.vault.Valuation(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"total_assets_reported": val.TotalAssetsReported.String(),
		"total_shares_reported": val.TotalSharesReported.String(),
		"updated_at":            val.UpdatedAt,
	})
}

func (s *server) handleUpdateValuation(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		TotalAssets string `json:"total_assets"`
		TotalShares string `json:"total_shares"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	totalAssets, err := amount.ParseBaseUnits(req.TotalAssets)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}
	totalShares, err := amount.ParseBaseUnits(req.TotalShares)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}
	if err := s.vault.UpdatePriceParameters(r.Context(), ident.Account, totalAssets, totalShares); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"total_assets_reported": totalAssets.String(),
		"total_shares_reported": totalShares.String(),
	})
}

func (s *server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeDomainError(w, err)
		return
	}
	cfg, err := s.vault.Config(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"agent_account":         cfg.AgentAccount,
		"treasury_account":      cfg.TreasuryAccount,
		"withdraw_fee_rate_ppm": cfg.WithdrawFeeRatePPM,
		"fee_precision_ppm":     vaultmath.PrecisionPPM,
		"max_fee_ppm":           vaultmath.MaxFeePPM,
		"asset_decimals":        s.vault.AssetDecimals(),
		"share_decimals":        s.vault.ShareDecimals(),
		"vault_account":         s.vault.VaultAccount(),
	})
}

func (s *server) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		RatePPM uint64 `json:"rate_ppm"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	if err := s.vault.UpdateWithdrawFeeRate(r.Context(), ident.Account, req.RatePPM); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"withdraw_fee_rate_ppm": req.RatePPM})
}

func (s *server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	if err := s.vault.UpdateAgentAddress(r.Context(), ident.Account, domain.Account(req.Account)); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"agent_account": req.Account})
}

func (s *server) handleUpdateTreasury(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req struct {
		Account string `json:"account"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	if err := s.vault.UpdateTreasuryAddress(r.Context(), ident.Account, domain.Account(req.Account)); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"treasury_account": req.Account})
}

func (s *server) convertHandler(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.identity(r); err != nil {
			writeDomainError(w, err)
			return
		}
		var in *big.Int
		var err error
		param := "assets"
		if kind == "to-assets" {
			param = "shares"
		}
		in, err = amount.ParseBaseUnits(r.URL.Query().Get(param))
		if err != nil {
			httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
			return
		}
		var out *big.Int
		switch kind {
		case "to-shares":
			out, err = s.vault.ConvertToShares(r.Context(), in)
		case "to-assets":
			out, err = s.vault.ConvertToAssets(r.Context(), in)
		case "preview-deposit":
			out, err = s.vault.PreviewDeposit(r.Context(), in)
		case "preview-withdraw":
			out, err = s.vault.PreviewWithdraw(r.Context(), in)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		field := "shares"
		if kind == "to-assets" {
			field = "assets"
		}
		httpx.WriteJSON(w, 200, map[string]any{field: out.String()})
	}
}

func (s *server) handleConvertToShares(w http.ResponseWriter, r *http.Request) {
	s.convertHandler("to-shares")(w, r)
}

func (s *server) handleConvertToAssets(w http.ResponseWriter, r *http.Request) {
	s.convertHandler("to-assets")(w, r)
}

func (s *server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	s.convertHandler("preview-deposit")(w, r)
}

func (s *server) handlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	s.convertHandler("preview-withdraw")(w, r)
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	account := domain.Account(chi.URLParam(r, "account"))
	if account != ident.Account && !ident.HasRole(domain.RoleAdmin) && !ident.HasRole(domain.RoleAgent) {
		writeDomainError(w, domain.ErrAccessDenied)
		return
	}
	acct, err := s.vault.Account(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"account":               acct.Account,
		"share_balance":         acct.ShareBalance.String(),
		"share_balance_decimal": amount.FormatUnits(acct.ShareBalance, s.vault.ShareDecimals()),
		"asset_balance":         acct.AssetBalance.String(),
		"asset_balance_decimal": amount.FormatUnits(acct.AssetBalance, s.vault.AssetDecimals()),
		"has_pending_request":   acct.HasPendingRequest,
	})
}

func (s *server) handleCreditAccount(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	account := domain.Account(chi.URLParam(r, "account"))
	var req struct {
		Assets string `json:"assets"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_BODY", err.Error(), nil)
		return
	}
	assets, err := amount.ParseBaseUnits(req.Assets)
	if err != nil {
		httpx.WriteError(w, 400, "INVALID_AMOUNT", err.Error(), nil)
		return
	}
	if err := s.vault.CreditAssets(r.Context(), ident.Account, account, assets); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"account": account, "assets": assets.String()})
}

func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ident.HasRole(domain.RoleAdmin) {
		writeDomainError(w, domain.ErrAccessDenied)
		return
	}
	account := domain.Account(chi.URLParam(r, "account"))
	if account == "" {
		writeDomainError(w, domain.ErrZeroAddress)
		return
	}
	token := randomToken()
	if err := s.store.RegisterToken(r.Context(), authn.HashToken(token), account); err != nil {
		writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{"account": account, "token": token})
}

func (s *server) handleNotSupported(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		writeDomainError(w, err)
		return
	}
	writeDomainError(w, domain.ErrNotSupported)
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
