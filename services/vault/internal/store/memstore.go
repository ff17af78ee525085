// Package store provides the vault engine's storage backends: an in-memory
// store for tests and standalone mode, and a postgres store for production.
package store

import (
	"context"
	"math/big"
	"sync"

	"poolvault/pkg/authn"
	"poolvault/pkg/domain"

	"poolvault/services/vault/internal/engine"
)

// Memory keeps all vault state in process. Writes go through a
// clone-and-swap transaction so a failed operation leaves no partial state,
// matching the all-or-nothing semantics the engine expects.
type Memory struct {
	mu sync.Mutex
	st *memState
}

type idemRecord struct {
	status int
	body   []byte
}

type memState struct {
	valuation   domain.ValuationState
	config      domain.VaultConfig
	counter     uint64
	requests    map[uint64]domain.WithdrawRequest
	pending     map[domain.Account]uint64
	roles       map[domain.Account]map[domain.Role]bool
	shareBal    map[domain.Account]*big.Int
	shareSupply *big.Int
	assetBal    map[domain.Account]*big.Int
	events      []domain.AuditEvent
	snapshots   []domain.NAVSnapshot
	tokens      map[string]domain.Account
	idem        map[string]idemRecord
}

func NewMemory() *Memory {
	return &Memory{st: &memState{
		valuation: domain.ValuationState{
			TotalAssetsReported: big.NewInt(0),
			TotalSharesReported: big.NewInt(0),
		},
		requests:    map[uint64]domain.WithdrawRequest{},
		pending:     map[domain.Account]uint64{},
		roles:       map[domain.Account]map[domain.Role]bool{},
		shareBal:    map[domain.Account]*big.Int{},
		shareSupply: big.NewInt(0),
		assetBal:    map[domain.Account]*big.Int{},
		tokens:      map[string]domain.Account{},
		idem:        map[string]idemRecord{},
	}}
}

// Stored big.Ints are treated as immutable: every write installs a fresh
// value, so a clone can share them safely.
func (s *memState) clone() *memState {
	c := &memState{
		valuation:   s.valuation,
		config:      s.config,
		counter:     s.counter,
		requests:    make(map[uint64]domain.WithdrawRequest, len(s.requests)),
		pending:     make(map[domain.Account]uint64, len(s.pending)),
		roles:       make(map[domain.Account]map[domain.Role]bool, len(s.roles)),
		shareBal:    make(map[domain.Account]*big.Int, len(s.shareBal)),
		shareSupply: s.shareSupply,
		assetBal:    make(map[domain.Account]*big.Int, len(s.assetBal)),
		events:      append([]domain.AuditEvent(nil), s.events...),
		snapshots:   append([]domain.NAVSnapshot(nil), s.snapshots...),
		tokens:      make(map[string]domain.Account, len(s.tokens)),
		idem:        make(map[string]idemRecord, len(s.idem)),
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	for k, v := range s.roles {
		set := make(map[domain.Role]bool, len(v))
		for r, ok := range v {
			set[r] = ok
		}
		c.roles[k] = set
	}
	for k, v := range s.shareBal {
		c.shareBal[k] = v
	}
	for k, v := range s.assetBal {
		c.assetBal[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.idem {
		c.idem[k] = v
	}
	return c
}

// memView implements engine.Store directly against a memState with no
// locking; Memory wraps it behind its mutex.
type memView struct{ st *memState }

func (m *Memory) view() *memView { return &memView{st: m.st} }

func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := m.st.clone()
	if err := fn(&memView{st: clone}); err != nil {
		return err
	}
	m.st = clone
	return nil
}

func (v *memView) WithTx(_ context.Context, fn func(engine.Store) error) error {
	// Already inside a transaction.
	return fn(v)
}

func (v *memView) Valuation(context.Context) (domain.ValuationState, error) {
	return v.st.valuation, nil
}

func (v *memView) SetValuation(_ context.Context, val domain.ValuationState) error {
	v.st.valuation = domain.ValuationState{
		TotalAssetsReported: new(big.Int).Set(val.TotalAssetsReported),
		TotalSharesReported: new(big.Int).Set(val.TotalSharesReported),
		UpdatedAt:           val.UpdatedAt,
	}
	return nil
}

func (v *memView) Config(context.Context) (domain.VaultConfig, error) {
	return v.st.config, nil
}

func (v *memView) SetConfig(_ context.Context, c domain.VaultConfig) error {
	v.st.config = c
	return nil
}

func (v *memView) GrantRole(_ context.Context, account domain.Account, role domain.Role) error {
	set := v.st.roles[account]
	if set == nil {
		set = map[domain.Role]bool{}
		v.st.roles[account] = set
	}
	set[role] = true
	return nil
}

func (v *memView) RevokeRole(_ context.Context, account domain.Account, role domain.Role) error {
	delete(v.st.roles[account], role)
	return nil
}

func (v *memView) HasRole(_ context.Context, account domain.Account, role domain.Role) (bool, error) {
	return v.st.roles[account][role], nil
}

func (v *memView) RequestCounter(context.Context) (uint64, error) {
	return v.st.counter, nil
}

func (v *memView) NextRequestID(context.Context) (uint64, error) {
	v.st.counter++
	return v.st.counter, nil
}

func (v *memView) Request(_ context.Context, id uint64) (domain.WithdrawRequest, bool, error) {
	req, ok := v.st.requests[id]
	return req, ok, nil
}

func (v *memView) RequestsByOwner(_ context.Context, owner domain.Account) ([]domain.WithdrawRequest, error) {
	var out []domain.WithdrawRequest
	for id := uint64(1); id <= v.st.counter; id++ {
		if req, ok := v.st.requests[id]; ok && req.Owner == owner {
			out = append(out, req)
		}
	}
	return out, nil
}

func (v *memView) PutRequest(_ context.Context, req domain.WithdrawRequest) error {
	req.SharesAmount = new(big.Int).Set(req.SharesAmount)
	v.st.requests[req.ID] = req
	return nil
}

func (v *memView) HasPendingRequest(_ context.Context, owner domain.Account) (bool, error) {
	_, ok := v.st.pending[owner]
	return ok, nil
}

func (v *memView) SetPendingRequest(_ context.Context, owner domain.Account, requestID uint64) error {
	v.st.pending[owner] = requestID
	return nil
}

func (v *memView) ClearPendingRequest(_ context.Context, owner domain.Account) error {
	delete(v.st.pending, owner)
	return nil
}

func balanceOf(m map[domain.Account]*big.Int, account domain.Account) *big.Int {
	if b, ok := m[account]; ok {
		return b
	}
	return big.NewInt(0)
}

func (v *memView) ShareBalance(_ context.Context, account domain.Account) (*big.Int, error) {
	return new(big.Int).Set(balanceOf(v.st.shareBal, account)), nil
}

func (v *memView) ShareSupply(context.Context) (*big.Int, error) {
	return new(big.Int).Set(v.st.shareSupply), nil
}

func (v *memView) MintShares(_ context.Context, account domain.Account, amount *big.Int) error {
	v.st.shareBal[account] = new(big.Int).Add(balanceOf(v.st.shareBal, account), amount)
	v.st.shareSupply = new(big.Int).Add(v.st.shareSupply, amount)
	return nil
}

func (v *memView) BurnShares(_ context.Context, account domain.Account, amount *big.Int) error {
	bal := balanceOf(v.st.shareBal, account)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientShares
	}
	v.st.shareBal[account] = new(big.Int).Sub(bal, amount)
	v.st.shareSupply = new(big.Int).Sub(v.st.shareSupply, amount)
	return nil
}

func (v *memView) AssetBalance(_ context.Context, account domain.Account) (*big.Int, error) {
	return new(big.Int).Set(balanceOf(v.st.assetBal, account)), nil
}

func (v *memView) CreditAssets(_ context.Context, account domain.Account, amount *big.Int) error {
	v.st.assetBal[account] = new(big.Int).Add(balanceOf(v.st.assetBal, account), amount)
	return nil
}

func (v *memView) TransferAssets(_ context.Context, from, to domain.Account, amount *big.Int) error {
	if from == to || amount.Sign() == 0 {
		return nil
	}
	bal := balanceOf(v.st.assetBal, from)
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	v.st.assetBal[from] = new(big.Int).Sub(bal, amount)
	v.st.assetBal[to] = new(big.Int).Add(balanceOf(v.st.assetBal, to), amount)
	return nil
}

func (v *memView) RecordEvent(_ context.Context, ev domain.AuditEvent) error {
	v.st.events = append(v.st.events, ev)
	return nil
}

func (v *memView) RecordSnapshot(_ context.Context, snap domain.NAVSnapshot) error {
	v.st.snapshots = append(v.st.snapshots, snap)
	return nil
}

// --- Memory: locked pass-through of the engine.Store surface ---

func (m *Memory) Valuation(ctx context.Context) (domain.ValuationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Valuation(ctx)
}

func (m *Memory) SetValuation(ctx context.Context, v domain.ValuationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SetValuation(ctx, v)
}

func (m *Memory) Config(ctx context.Context) (domain.VaultConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Config(ctx)
}

func (m *Memory) SetConfig(ctx context.Context, c domain.VaultConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SetConfig(ctx, c)
}

func (m *Memory) GrantRole(ctx context.Context, account domain.Account, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().GrantRole(ctx, account, role)
}

func (m *Memory) RevokeRole(ctx context.Context, account domain.Account, role domain.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().RevokeRole(ctx, account, role)
}

func (m *Memory) HasRole(ctx context.Context, account domain.Account, role domain.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().HasRole(ctx, account, role)
}

func (m *Memory) RequestCounter(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().RequestCounter(ctx)
}

func (m *Memory) NextRequestID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().NextRequestID(ctx)
}

func (m *Memory) Request(ctx context.Context, id uint64) (domain.WithdrawRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().Request(ctx, id)
}

func (m *Memory) RequestsByOwner(ctx context.Context, owner domain.Account) ([]domain.WithdrawRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().RequestsByOwner(ctx, owner)
}

func (m *Memory) PutRequest(ctx context.Context, req domain.WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().PutRequest(ctx, req)
}

func (m *Memory) HasPendingRequest(ctx context.Context, owner domain.Account) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().HasPendingRequest(ctx, owner)
}

func (m *Memory) SetPendingRequest(ctx context.Context, owner domain.Account, requestID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().SetPendingRequest(ctx, owner, requestID)
}

func (m *Memory) ClearPendingRequest(ctx context.Context, owner domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ClearPendingRequest(ctx, owner)
}

func (m *Memory) ShareBalance(ctx context.Context, account domain.Account) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ShareBalance(ctx, account)
}

func (m *Memory) ShareSupply(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().ShareSupply(ctx)
}

func (m *Memory) MintShares(ctx context.Context, account domain.Account, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().MintShares(ctx, account, amount)
}

func (m *Memory) BurnShares(ctx context.Context, account domain.Account, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().BurnShares(ctx, account, amount)
}

func (m *Memory) AssetBalance(ctx context.Context, account domain.Account) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().AssetBalance(ctx, account)
}

func (m *Memory) CreditAssets(ctx context.Context, account domain.Account, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().CreditAssets(ctx, account, amount)
}

func (m *Memory) TransferAssets(ctx context.Context, from, to domain.Account, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransferAssets(ctx, from, to, amount)
}

func (m *Memory) RecordEvent(ctx context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().RecordEvent(ctx, ev)
}

func (m *Memory) RecordSnapshot(ctx context.Context, snap domain.NAVSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().RecordSnapshot(ctx, snap)
}

// Events returns the recorded audit trail, newest last.
func (m *Memory) Events(context.Context) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.st.events...), nil
}

// Snapshots returns the recorded NAV history, newest last.
func (m *Memory) Snapshots(context.Context) ([]domain.NAVSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.NAVSnapshot(nil), m.st.snapshots...), nil
}

// RegisterToken binds an API token hash to an account.
func (m *Memory) RegisterToken(_ context.Context, tokenHash string, account domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.tokens[tokenHash] = account
	return nil
}

// IdentityByTokenHash implements authn.TokenSource.
func (m *Memory) IdentityByTokenHash(_ context.Context, tokenHash string) (authn.Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.st.tokens[tokenHash]
	if !ok {
		return authn.Identity{}, false, nil
	}
	var roles []domain.Role
	for r, granted := range m.st.roles[account] {
		if granted {
			roles = append(roles, r)
		}
	}
	return authn.Identity{Account: account, Roles: roles}, true, nil
}

func idemKey(account domain.Account, key, endpoint string) string {
	return string(account) + "\x00" + key + "\x00" + endpoint
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, account domain.Account, key, endpoint string) (int, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.st.idem[idemKey(account, key, endpoint)]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.status, rec.body, true, nil
}

func (m *Memory) SaveIdempotencyRecord(_ context.Context, account domain.Account, key, endpoint string, status int, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(account, key, endpoint)
	if _, exists := m.st.idem[k]; exists {
		return nil
	}
	m.st.idem[k] = idemRecord{status: status, body: body}
	return nil
}

var _ engine.Store = (*Memory)(nil)
var _ authn.TokenSource = (*Memory)(nil)
