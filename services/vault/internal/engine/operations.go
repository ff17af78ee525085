package engine

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"poolvault/pkg/domain"
	"poolvault/pkg/vaultmath"
)

// Settlement is the monetary outcome of an approved withdrawal. NetPaid and
// Fee always sum to AssetsSettled exactly.
type Settlement struct {
	RequestID     uint64         `json:"request_id"`
	Owner         domain.Account `json:"owner"`
	SharesBurned  *big.Int       `json:"shares_burned"`
	AssetsSettled *big.Int       `json:"assets_settled"`
	Fee           *big.Int       `json:"fee"`
	NetPaid       *big.Int       `json:"net_paid"`
	Treasury      domain.Account `json:"treasury"`
}

// Deposit converts assets to shares at the round-down rate, mints them to
// receiver, pulls the assets from caller, and immediately forwards the full
// amount to the agent's custody account. The vault never retains deposited
// funds at rest.
func (v *Vault) Deposit(ctx context.Context, caller, receiver domain.Account, assets *big.Int) (*big.Int, error) {
	if err := validAmount(assets); err != nil {
		return nil, err
	}
	if receiver == "" {
		return nil, domain.ErrZeroAddress
	}
	if v.maxDeposit != nil && assets.Cmp(v.maxDeposit) > 0 {
		return nil, domain.ErrExceedsMaxDeposit
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var shares *big.Int
	err := v.store.WithTx(ctx, func(s Store) error {
		val, err := s.Valuation(ctx)
		if err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		shares = v.sharesForAssets(val, assets, vaultmath.RoundDown)

		if err := s.MintShares(ctx, receiver, shares); err != nil {
			return err
		}
		if err := s.TransferAssets(ctx, caller, v.vaultAccount, assets); err != nil {
			return err
		}
		if err := s.TransferAssets(ctx, v.vaultAccount, cfg.AgentAccount, assets); err != nil {
			return err
		}
		if err := s.RecordEvent(ctx, v.newEvent(domain.EventDeposit, map[string]any{
			"caller":   caller,
			"receiver": receiver,
			"assets":   assets.String(),
			"shares":   shares.String(),
		})); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventFundsDelegated, map[string]any{
			"to":     cfg.AgentAccount,
			"assets": assets.String(),
		}))
	})
	if err != nil {
		return nil, err
	}
	v.log.Info("deposit",
		zap.String("caller", string(caller)),
		zap.String("receiver", string(receiver)),
		zap.String("assets", assets.String()),
		zap.String("shares", shares.String()))
	return shares, nil
}

// RequestWithdraw opens a withdrawal request for owner. The caller must be
// the owner; requests cannot be made on someone else's behalf. The share
// amount is a round-up preview against the current valuation and is fixed for
// the life of the request.
func (v *Vault) RequestWithdraw(ctx context.Context, caller, owner domain.Account, assets *big.Int) (domain.WithdrawRequest, error) {
	if caller != owner {
		return domain.WithdrawRequest{}, domain.ErrAccessDenied
	}
	if err := validAmount(assets); err != nil {
		return domain.WithdrawRequest{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var req domain.WithdrawRequest
	err := v.store.WithTx(ctx, func(s Store) error {
		pending, err := s.HasPendingRequest(ctx, owner)
		if err != nil {
			return err
		}
		if pending {
			return domain.ErrAlreadyRequestedWithdraw
		}

		val, err := s.Valuation(ctx)
		if err != nil {
			return err
		}
		shares := v.sharesForAssets(val, assets, vaultmath.RoundUp)

		balance, err := s.ShareBalance(ctx, owner)
		if err != nil {
			return err
		}
		if shares.Cmp(balance) > 0 {
			return domain.ErrExceedsMaxWithdraw
		}

		id, err := s.NextRequestID(ctx)
		if err != nil {
			return err
		}
		req = domain.WithdrawRequest{
			ID:           id,
			Owner:        owner,
			SharesAmount: shares,
			Status:       domain.StatusPending,
			CreatedAt:    v.now().UTC(),
		}
		if err := s.PutRequest(ctx, req); err != nil {
			return err
		}
		if err := s.SetPendingRequest(ctx, owner, id); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventWithdrawalRequested, map[string]any{
			"request_id": id,
			"owner":      owner,
			"shares":     shares.String(),
			"assets":     assets.String(),
		}))
	})
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	v.log.Info("withdrawal requested",
		zap.Uint64("request_id", req.ID),
		zap.String("owner", string(owner)),
		zap.String("shares", req.SharesAmount.String()))
	return req, nil
}

// ApproveWithdraw settles a pending request: the reserved shares are burned
// and their current round-down asset value, less the withdraw fee, is paid
// out of the vault's locally held balance. The settlement value reflects
// valuation changes since the request was made; requests lock in a share
// count, not an asset amount.
func (v *Vault) ApproveWithdraw(ctx context.Context, caller domain.Account, id uint64) (Settlement, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out Settlement
	err := v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAgent); err != nil {
			return err
		}
		req, err := v.pendingRequest(ctx, s, id)
		if err != nil {
			return err
		}

		val, err := s.Valuation(ctx)
		if err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		assets := v.assetsForShares(val, req.SharesAmount, vaultmath.RoundDown)

		held, err := s.AssetBalance(ctx, v.vaultAccount)
		if err != nil {
			return err
		}
		if assets.Cmp(held) > 0 {
			return domain.ErrInsufficientBalance
		}

		if err := s.BurnShares(ctx, req.Owner, req.SharesAmount); err != nil {
			return err
		}

		fee := vaultmath.Fee(assets, cfg.WithdrawFeeRatePPM)
		net := new(big.Int).Sub(assets, fee)
		if err := s.TransferAssets(ctx, v.vaultAccount, req.Owner, net); err != nil {
			return err
		}
		if fee.Sign() > 0 {
			if err := s.TransferAssets(ctx, v.vaultAccount, cfg.TreasuryAccount, fee); err != nil {
				return err
			}
		}

		decidedAt := v.now().UTC()
		req.Status = domain.StatusApproved
		req.DecidedAt = &decidedAt
		if err := s.PutRequest(ctx, req); err != nil {
			return err
		}
		if err := s.ClearPendingRequest(ctx, req.Owner); err != nil {
			return err
		}

		out = Settlement{
			RequestID:     req.ID,
			Owner:         req.Owner,
			SharesBurned:  req.SharesAmount,
			AssetsSettled: assets,
			Fee:           fee,
			NetPaid:       net,
			Treasury:      cfg.TreasuryAccount,
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventWithdrawalApproved, map[string]any{
			"request_id": req.ID,
			"owner":      req.Owner,
			"shares":     req.SharesAmount.String(),
			"assets":     assets.String(),
			"fee":        fee.String(),
			"net":        net.String(),
		}))
	})
	if err != nil {
		return Settlement{}, err
	}
	v.log.Info("withdrawal approved",
		zap.Uint64("request_id", out.RequestID),
		zap.String("owner", string(out.Owner)),
		zap.String("assets", out.AssetsSettled.String()),
		zap.String("fee", out.Fee.String()))
	return out, nil
}

// RejectWithdraw closes a pending request with no monetary effect; the owner
// keeps the shares and may open a new request.
func (v *Vault) RejectWithdraw(ctx context.Context, caller domain.Account, id uint64) (domain.WithdrawRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out domain.WithdrawRequest
	err := v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAgent); err != nil {
			return err
		}
		req, err := v.pendingRequest(ctx, s, id)
		if err != nil {
			return err
		}

		decidedAt := v.now().UTC()
		req.Status = domain.StatusRejected
		req.DecidedAt = &decidedAt
		if err := s.PutRequest(ctx, req); err != nil {
			return err
		}
		if err := s.ClearPendingRequest(ctx, req.Owner); err != nil {
			return err
		}
		out = req
		return s.RecordEvent(ctx, v.newEvent(domain.EventWithdrawalRejected, map[string]any{
			"request_id": req.ID,
			"owner":      req.Owner,
			"shares":     req.SharesAmount.String(),
		}))
	})
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	v.log.Info("withdrawal rejected",
		zap.Uint64("request_id", out.ID),
		zap.String("owner", string(out.Owner)))
	return out, nil
}

// pendingRequest loads a request and verifies it exists and is still pending.
// Ids outside [1, counter] are NotFound; decided requests are NotPending.
func (v *Vault) pendingRequest(ctx context.Context, s Store, id uint64) (domain.WithdrawRequest, error) {
	counter, err := s.RequestCounter(ctx)
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	if id == 0 || id > counter {
		return domain.WithdrawRequest{}, domain.ErrRequestNotFound
	}
	req, ok, err := s.Request(ctx, id)
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	if !ok {
		return domain.WithdrawRequest{}, domain.ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return domain.WithdrawRequest{}, domain.ErrRequestNotPending
	}
	return req, nil
}

// DelegateFundsToAgent sweeps the vault's entire locally held balance to the
// agent custody account.
func (v *Vault) DelegateFundsToAgent(ctx context.Context, caller domain.Account) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var swept *big.Int
	err := v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAgent); err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		held, err := s.AssetBalance(ctx, v.vaultAccount)
		if err != nil {
			return err
		}
		if held.Sign() == 0 {
			return domain.ErrInsufficientBalance
		}
		if err := s.TransferAssets(ctx, v.vaultAccount, cfg.AgentAccount, held); err != nil {
			return err
		}
		swept = held
		return s.RecordEvent(ctx, v.newEvent(domain.EventFundsDelegated, map[string]any{
			"to":     cfg.AgentAccount,
			"assets": held.String(),
		}))
	})
	if err != nil {
		return nil, err
	}
	v.log.Info("funds delegated", zap.String("assets", swept.String()))
	return swept, nil
}

// RemitFromAgent moves assets from the agent's custody account back into the
// vault, funding upcoming withdrawal settlements.
func (v *Vault) RemitFromAgent(ctx context.Context, caller domain.Account, assets *big.Int) error {
	if err := validAmount(assets); err != nil {
		return err
	}
	if assets.Sign() == 0 {
		return domain.ErrInvalidAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAgent); err != nil {
			return err
		}
		if err := s.TransferAssets(ctx, caller, v.vaultAccount, assets); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventFundsRemitted, map[string]any{
			"from":   caller,
			"assets": assets.String(),
		}))
	})
	if err != nil {
		return err
	}
	v.log.Info("funds remitted", zap.String("assets", assets.String()))
	return nil
}

// CreditAssets records assets arriving from an external rail into an
// account's balance. Admin-only; this is the on-ramp for depositors.
func (v *Vault) CreditAssets(ctx context.Context, caller, account domain.Account, assets *big.Int) error {
	if err := validAmount(assets); err != nil {
		return err
	}
	if account == "" {
		return domain.ErrZeroAddress
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAdmin); err != nil {
			return err
		}
		if err := s.CreditAssets(ctx, account, assets); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventAssetsCredited, map[string]any{
			"account": account,
			"assets":  assets.String(),
		}))
	})
}

// UpdatePriceParameters overwrites the reported totals wholesale. There is no
// staleness or bounds check: the report is a trust boundary the vault accepts
// verbatim, and it changes every subsequent conversion immediately.
func (v *Vault) UpdatePriceParameters(ctx context.Context, caller domain.Account, totalAssets, totalShares *big.Int) error {
	if err := validAmount(totalAssets); err != nil {
		return err
	}
	if err := validAmount(totalShares); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	err := v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAgent); err != nil {
			return err
		}
		if err := s.SetValuation(ctx, domain.ValuationState{
			TotalAssetsReported: totalAssets,
			TotalSharesReported: totalShares,
			UpdatedAt:           v.now().UTC(),
		}); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventValuationUpdated, map[string]any{
			"total_assets": totalAssets.String(),
			"total_shares": totalShares.String(),
		}))
	})
	if err != nil {
		return err
	}
	v.log.Info("valuation updated",
		zap.String("total_assets", totalAssets.String()),
		zap.String("total_shares", totalShares.String()))
	return nil
}

// UpdateAgentAddress repoints which account plays the agent: the agent role
// moves to the new account and it becomes the custody destination for
// delegated funds.
func (v *Vault) UpdateAgentAddress(ctx context.Context, caller, newAgent domain.Account) error {
	if newAgent == "" {
		return domain.ErrZeroAddress
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAdmin); err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		if cfg.AgentAccount != "" && cfg.AgentAccount != newAgent {
			if err := s.RevokeRole(ctx, cfg.AgentAccount, domain.RoleAgent); err != nil {
				return err
			}
		}
		if err := s.GrantRole(ctx, newAgent, domain.RoleAgent); err != nil {
			return err
		}
		old := cfg.AgentAccount
		cfg.AgentAccount = newAgent
		if err := s.SetConfig(ctx, cfg); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventAgentUpdated, map[string]any{
			"old_agent": old,
			"new_agent": newAgent,
		}))
	})
}

// UpdateWithdrawFeeRate sets the withdraw fee in parts per million, capped at
// vaultmath.MaxFeePPM.
func (v *Vault) UpdateWithdrawFeeRate(ctx context.Context, caller domain.Account, ratePPM uint64) error {
	if ratePPM > vaultmath.MaxFeePPM {
		return domain.ErrExceedsMaxFee
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAdmin); err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		old := cfg.WithdrawFeeRatePPM
		cfg.WithdrawFeeRatePPM = ratePPM
		if err := s.SetConfig(ctx, cfg); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventFeeRateUpdated, map[string]any{
			"old_rate_ppm": old,
			"new_rate_ppm": ratePPM,
		}))
	})
}

// UpdateTreasuryAddress changes the fee-recipient account.
func (v *Vault) UpdateTreasuryAddress(ctx context.Context, caller, treasury domain.Account) error {
	if treasury == "" {
		return domain.ErrZeroAddress
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.store.WithTx(ctx, func(s Store) error {
		if err := v.requireRole(ctx, s, caller, domain.RoleAdmin); err != nil {
			return err
		}
		cfg, err := s.Config(ctx)
		if err != nil {
			return err
		}
		old := cfg.TreasuryAccount
		cfg.TreasuryAccount = treasury
		if err := s.SetConfig(ctx, cfg); err != nil {
			return err
		}
		return s.RecordEvent(ctx, v.newEvent(domain.EventTreasuryUpdated, map[string]any{
			"old_treasury": old,
			"new_treasury": treasury,
		}))
	})
}

// Mint is the share-denominated entry point of the standard vault interface.
// This vault only supports deposit plus the request/approve withdrawal queue.
func (v *Vault) Mint(context.Context, domain.Account, *big.Int) (*big.Int, error) {
	return nil, fmt.Errorf("mint: %w", domain.ErrNotSupported)
}

// Redeem is the share-denominated exit of the standard vault interface;
// holders must go through the withdrawal queue instead.
func (v *Vault) Redeem(context.Context, domain.Account, *big.Int) (*big.Int, error) {
	return nil, fmt.Errorf("redeem: %w", domain.ErrNotSupported)
}
