// Package engine implements the vault orchestrator: deposits, the withdrawal
// request queue, agent valuation reports, and the admin configuration
// surface. All share/asset accounting flows through here.
//
// The engine is the single writer. One mutex spans every mutating operation's
// reads and writes, which is what makes the check-then-act invariants (one
// pending request per owner, solvency before payout) safe without help from
// the storage layer.
package engine

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"poolvault/pkg/domain"
	"poolvault/pkg/vaultmath"
)

// Options configures a Vault. Zero values are usable: offset 0, no deposit
// cap, a nop logger, and the default custody account name.
type Options struct {
	// DecimalsOffset is the virtual-offset exponent of the share conversion,
	// normally the share-unit precision minus the asset-unit precision.
	DecimalsOffset uint
	// AssetDecimals is reported in views; shares carry AssetDecimals +
	// DecimalsOffset.
	AssetDecimals uint
	// MaxDeposit caps a single deposit when non-nil.
	MaxDeposit *big.Int
	// VaultAccount is the asset-bank account holding funds at rest inside
	// the vault itself.
	VaultAccount domain.Account
	Logger       *zap.Logger
	Now          func() time.Time
}

type Vault struct {
	mu    sync.Mutex
	store Store

	offset        uint
	assetDecimals uint
	maxDeposit    *big.Int
	vaultAccount  domain.Account
	log           *zap.Logger
	now           func() time.Time
}

func New(store Store, opts Options) *Vault {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.VaultAccount == "" {
		opts.VaultAccount = "vault"
	}
	return &Vault{
		store:         store,
		offset:        opts.DecimalsOffset,
		assetDecimals: opts.AssetDecimals,
		maxDeposit:    opts.MaxDeposit,
		vaultAccount:  opts.VaultAccount,
		log:           opts.Logger,
		now:           opts.Now,
	}
}

// Init seeds the configuration record and the initial role grants: one admin,
// one agent, one treasury. It is a no-op when the store already carries a
// configured agent, so restarts against a persistent store keep prior state.
func (v *Vault) Init(ctx context.Context, admin, agent, treasury domain.Account) error {
	if admin == "" || agent == "" || treasury == "" {
		return domain.ErrZeroAddress
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	cfg, err := v.store.Config(ctx)
	if err != nil {
		return err
	}
	if cfg.AgentAccount != "" {
		return nil
	}
	return v.store.WithTx(ctx, func(s Store) error {
		if err := s.SetConfig(ctx, domain.VaultConfig{
			AgentAccount:    agent,
			TreasuryAccount: treasury,
		}); err != nil {
			return err
		}
		if err := s.GrantRole(ctx, admin, domain.RoleAdmin); err != nil {
			return err
		}
		return s.GrantRole(ctx, agent, domain.RoleAgent)
	})
}

// VaultAccount returns the custody account funds-at-rest are held under.
func (v *Vault) VaultAccount() domain.Account { return v.vaultAccount }

// AssetDecimals is the precision of the asset unit; share precision adds the
// virtual-offset exponent.
func (v *Vault) AssetDecimals() uint { return v.assetDecimals }

func (v *Vault) ShareDecimals() uint { return v.assetDecimals + v.offset }

func (v *Vault) sharesForAssets(val domain.ValuationState, assets *big.Int, r vaultmath.Rounding) *big.Int {
	return vaultmath.SharesForAssets(assets, val.TotalAssetsReported, val.TotalSharesReported, v.offset, r)
}

func (v *Vault) assetsForShares(val domain.ValuationState, shares *big.Int, r vaultmath.Rounding) *big.Int {
	return vaultmath.AssetsForShares(shares, val.TotalAssetsReported, val.TotalSharesReported, v.offset, r)
}

func (v *Vault) newEvent(eventType string, payload map[string]any) domain.AuditEvent {
	return domain.AuditEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: v.now().UTC(),
	}
}

func validAmount(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	return nil
}

func (v *Vault) requireRole(ctx context.Context, s Store, account domain.Account, role domain.Role) error {
	ok, err := s.HasRole(ctx, account, role)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccessDenied
	}
	return nil
}

// --- read-only views ---

// TotalAssets is the agent-reported value of all assets under management.
func (v *Vault) TotalAssets(ctx context.Context) (*big.Int, error) {
	val, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return val.TotalAssetsReported, nil
}

// CrossChainTotalSupply is the agent-reported share count across every domain
// where the pool has presence, which can exceed the locally minted supply.
func (v *Vault) CrossChainTotalSupply(ctx context.Context) (*big.Int, error) {
	val, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return val.TotalSharesReported, nil
}

func (v *Vault) Valuation(ctx context.Context) (domain.ValuationState, error) {
	return v.valuation(ctx)
}

func (v *Vault) valuation(ctx context.Context) (domain.ValuationState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Valuation(ctx)
}

func (v *Vault) Config(ctx context.Context) (domain.VaultConfig, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.Config(ctx)
}

// ConvertToShares previews the deposit-direction conversion (round-down).
func (v *Vault) ConvertToShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	if err := validAmount(assets); err != nil {
		return nil, err
	}
	val, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return v.sharesForAssets(val, assets, vaultmath.RoundDown), nil
}

// ConvertToAssets previews the value of a share position (round-down).
func (v *Vault) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	if err := validAmount(shares); err != nil {
		return nil, err
	}
	val, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return v.assetsForShares(val, shares, vaultmath.RoundDown), nil
}

// PreviewDeposit returns the shares a deposit of the given size would mint.
func (v *Vault) PreviewDeposit(ctx context.Context, assets *big.Int) (*big.Int, error) {
	return v.ConvertToShares(ctx, assets)
}

// PreviewWithdraw returns the shares a withdrawal request of the given asset
// size would reserve (round-up, conservative to the pool).
func (v *Vault) PreviewWithdraw(ctx context.Context, assets *big.Int) (*big.Int, error) {
	if err := validAmount(assets); err != nil {
		return nil, err
	}
	val, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return v.sharesForAssets(val, assets, vaultmath.RoundUp), nil
}

// Request returns the withdrawal request with the given id.
func (v *Vault) Request(ctx context.Context, id uint64) (domain.WithdrawRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	req, ok, err := v.store.Request(ctx, id)
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	if !ok {
		return domain.WithdrawRequest{}, domain.ErrRequestNotFound
	}
	return req, nil
}

func (v *Vault) RequestsByOwner(ctx context.Context, owner domain.Account) ([]domain.WithdrawRequest, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.RequestsByOwner(ctx, owner)
}

// RequestCounter is the id of the most recently created request.
func (v *Vault) RequestCounter(ctx context.Context) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.store.RequestCounter(ctx)
}

// AccountSummary describes one account's position in the pool.
type AccountSummary struct {
	Account           domain.Account `json:"account"`
	ShareBalance      *big.Int       `json:"share_balance"`
	AssetBalance      *big.Int       `json:"asset_balance"`
	HasPendingRequest bool           `json:"has_pending_request"`
}

func (v *Vault) Account(ctx context.Context, account domain.Account) (AccountSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	shares, err := v.store.ShareBalance(ctx, account)
	if err != nil {
		return AccountSummary{}, err
	}
	assets, err := v.store.AssetBalance(ctx, account)
	if err != nil {
		return AccountSummary{}, err
	}
	pending, err := v.store.HasPendingRequest(ctx, account)
	if err != nil {
		return AccountSummary{}, err
	}
	return AccountSummary{
		Account:           account,
		ShareBalance:      shares,
		AssetBalance:      assets,
		HasPendingRequest: pending,
	}, nil
}

// RecordSnapshot captures the current valuation and local holdings into the
// NAV history. The snapshot job calls this on a schedule.
func (v *Vault) RecordSnapshot(ctx context.Context) (domain.NAVSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	val, err := v.store.Valuation(ctx)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	held, err := v.store.AssetBalance(ctx, v.vaultAccount)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	supply, err := v.store.ShareSupply(ctx)
	if err != nil {
		return domain.NAVSnapshot{}, err
	}
	snap := domain.NAVSnapshot{
		TotalAssetsReported: val.TotalAssetsReported,
		TotalSharesReported: val.TotalSharesReported,
		VaultHeldAssets:     held,
		ShareSupply:         supply,
		RecordedAt:          v.now().UTC(),
	}
	if err := v.store.RecordSnapshot(ctx, snap); err != nil {
		return domain.NAVSnapshot{}, err
	}
	return snap, nil
}
