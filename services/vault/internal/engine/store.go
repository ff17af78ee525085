package engine

import (
	"context"
	"math/big"

	"poolvault/pkg/domain"
)

// Store is the persistence surface the vault engine runs on. Two
// implementations exist: an in-memory store for tests and standalone mode,
// and a postgres store for production. The engine serializes every mutating
// operation behind one mutex, so the store never sees concurrent writers;
// WithTx only has to make an operation's writes all-or-nothing.
type Store interface {
	Valuation(ctx context.Context) (domain.ValuationState, error)
	SetValuation(ctx context.Context, v domain.ValuationState) error

	Config(ctx context.Context) (domain.VaultConfig, error)
	SetConfig(ctx context.Context, c domain.VaultConfig) error

	GrantRole(ctx context.Context, account domain.Account, role domain.Role) error
	RevokeRole(ctx context.Context, account domain.Account, role domain.Role) error
	HasRole(ctx context.Context, account domain.Account, role domain.Role) (bool, error)

	// RequestCounter returns the id of the most recently created request;
	// zero means no request has ever been made. NextRequestID increments and
	// returns the counter. Ids start at one.
	RequestCounter(ctx context.Context) (uint64, error)
	NextRequestID(ctx context.Context) (uint64, error)
	Request(ctx context.Context, id uint64) (domain.WithdrawRequest, bool, error)
	RequestsByOwner(ctx context.Context, owner domain.Account) ([]domain.WithdrawRequest, error)
	PutRequest(ctx context.Context, req domain.WithdrawRequest) error
	HasPendingRequest(ctx context.Context, owner domain.Account) (bool, error)
	SetPendingRequest(ctx context.Context, owner domain.Account, requestID uint64) error
	ClearPendingRequest(ctx context.Context, owner domain.Account) error

	ShareBalance(ctx context.Context, account domain.Account) (*big.Int, error)
	ShareSupply(ctx context.Context) (*big.Int, error)
	MintShares(ctx context.Context, account domain.Account, amount *big.Int) error
	// BurnShares fails with domain.ErrInsufficientShares when the account
	// holds less than amount.
	BurnShares(ctx context.Context, account domain.Account, amount *big.Int) error

	AssetBalance(ctx context.Context, account domain.Account) (*big.Int, error)
	CreditAssets(ctx context.Context, account domain.Account, amount *big.Int) error
	// TransferAssets fails with domain.ErrInsufficientBalance when the source
	// account holds less than amount.
	TransferAssets(ctx context.Context, from, to domain.Account, amount *big.Int) error

	RecordEvent(ctx context.Context, ev domain.AuditEvent) error
	RecordSnapshot(ctx context.Context, snap domain.NAVSnapshot) error

	// WithTx runs fn against a transactional view of the store and commits
	// its writes atomically, discarding them all when fn returns an error.
	WithTx(ctx context.Context, fn func(Store) error) error
}
