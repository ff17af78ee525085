package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolvault/pkg/authn"
	"poolvault/pkg/domain"

	"poolvault/services/vault/internal/engine"
)

// Postgres persists vault state in postgres. Amounts are stored as decimal
// text so magnitudes are unbounded; arithmetic happens in the engine, not in
// SQL. WithTx maps to a database transaction.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS vault_valuation (
  singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
  total_assets TEXT NOT NULL DEFAULT '0',
  total_shares TEXT NOT NULL DEFAULT '0',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`INSERT INTO vault_valuation (singleton) VALUES (TRUE) ON CONFLICT DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS vault_config (
  singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
  agent_account TEXT NOT NULL DEFAULT '',
  treasury_account TEXT NOT NULL DEFAULT '',
  withdraw_fee_ppm BIGINT NOT NULL DEFAULT 0
)`,
	`INSERT INTO vault_config (singleton) VALUES (TRUE) ON CONFLICT DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS vault_request_counter (
  singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
  value BIGINT NOT NULL DEFAULT 0
)`,
	`INSERT INTO vault_request_counter (singleton) VALUES (TRUE) ON CONFLICT DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS vault_roles (
  account TEXT NOT NULL,
  role TEXT NOT NULL,
  PRIMARY KEY (account, role)
)`,
	`CREATE TABLE IF NOT EXISTS withdrawal_requests (
  id BIGINT PRIMARY KEY,
  owner TEXT NOT NULL,
  shares_amount TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  decided_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS withdrawal_requests_owner_idx ON withdrawal_requests(owner)`,
	`CREATE TABLE IF NOT EXISTS pending_withdrawals (
  owner TEXT PRIMARY KEY,
  request_id BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS share_balances (
  account TEXT PRIMARY KEY,
  balance TEXT NOT NULL DEFAULT '0'
)`,
	`CREATE TABLE IF NOT EXISTS asset_balances (
  account TEXT PRIMARY KEY,
  balance TEXT NOT NULL DEFAULT '0'
)`,
	`CREATE TABLE IF NOT EXISTS audit_events (
  event_id UUID PRIMARY KEY,
  event_type TEXT NOT NULL,
  payload JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS nav_snapshots (
  id BIGSERIAL PRIMARY KEY,
  total_assets TEXT NOT NULL,
  total_shares TEXT NOT NULL,
  vault_held_assets TEXT NOT NULL,
  share_supply TEXT NOT NULL,
  recorded_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
  token_hash TEXT PRIMARY KEY,
  account TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS vault_idempotency_records (
  account TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  response_status INT NOT NULL,
  response_body BYTEA NOT NULL,
  PRIMARY KEY (account, idempotency_key, endpoint)
)`,
}

// EnsureSchema creates every table the store needs. Statements are
// individually idempotent, so reruns are safe.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	if p.q != querier(p.pool) {
		// Already inside a transaction.
		return fn(p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("stored amount %q is not an integer", s)
	}
	return v, nil
}

func (p *Postgres) Valuation(ctx context.Context) (domain.ValuationState, error) {
	var assets, shares string
	var out domain.ValuationState
	err := p.q.QueryRow(ctx, `
SELECT total_assets,total_shares,updated_at FROM vault_valuation WHERE singleton
`).Scan(&assets, &shares, &out.UpdatedAt)
	if err != nil {
		return domain.ValuationState{}, fmt.Errorf("load valuation: %w", err)
	}
	if out.TotalAssetsReported, err = parseAmount(assets); err != nil {
		return domain.ValuationState{}, err
	}
	if out.TotalSharesReported, err = parseAmount(shares); err != nil {
		return domain.ValuationState{}, err
	}
	return out, nil
}

func (p *Postgres) SetValuation(ctx context.Context, v domain.ValuationState) error {
	_, err := p.q.Exec(ctx, `
UPDATE vault_valuation SET total_assets=$1,total_shares=$2,updated_at=$3 WHERE singleton
`, v.TotalAssetsReported.String(), v.TotalSharesReported.String(), v.UpdatedAt)
	return err
}

func (p *Postgres) Config(ctx context.Context) (domain.VaultConfig, error) {
	var out domain.VaultConfig
	err := p.q.QueryRow(ctx, `
SELECT agent_account,treasury_account,withdraw_fee_ppm FROM vault_config WHERE singleton
`).Scan(&out.AgentAccount, &out.TreasuryAccount, &out.WithdrawFeeRatePPM)
	if err != nil {
		return domain.VaultConfig{}, fmt.Errorf("load config: %w", err)
	}
	return out, nil
}

func (p *Postgres) SetConfig(ctx context.Context, c domain.VaultConfig) error {
	_, err := p.q.Exec(ctx, `
UPDATE vault_config SET agent_account=$1,treasury_account=$2,withdraw_fee_ppm=$3 WHERE singleton
`, c.AgentAccount, c.TreasuryAccount, c.WithdrawFeeRatePPM)
	return err
}

func (p *Postgres) GrantRole(ctx context.Context, account domain.Account, role domain.Role) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO vault_roles(account,role) VALUES($1,$2) ON CONFLICT DO NOTHING
`, account, role)
	return err
}

func (p *Postgres) RevokeRole(ctx context.Context, account domain.Account, role domain.Role) error {
	_, err := p.q.Exec(ctx, `DELETE FROM vault_roles WHERE account=$1 AND role=$2`, account, role)
	return err
}

func (p *Postgres) HasRole(ctx context.Context, account domain.Account, role domain.Role) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM vault_roles WHERE account=$1 AND role=$2)
`, account, role).Scan(&exists)
	return exists, err
}

func (p *Postgres) RequestCounter(ctx context.Context) (uint64, error) {
	var value int64
	err := p.q.QueryRow(ctx, `SELECT value FROM vault_request_counter WHERE singleton`).Scan(&value)
	return uint64(value), err
}

func (p *Postgres) NextRequestID(ctx context.Context) (uint64, error) {
	var value int64
	err := p.q.QueryRow(ctx, `
UPDATE vault_request_counter SET value=value+1 WHERE singleton RETURNING value
`).Scan(&value)
	return uint64(value), err
}

func (p *Postgres) Request(ctx context.Context, id uint64) (domain.WithdrawRequest, bool, error) {
	req, err := scanRequest(p.q.QueryRow(ctx, `
SELECT id,owner,shares_amount,status,created_at,decided_at FROM withdrawal_requests WHERE id=$1
`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WithdrawRequest{}, false, nil
		}
		return domain.WithdrawRequest{}, false, err
	}
	return req, true, nil
}

func scanRequest(row pgx.Row) (domain.WithdrawRequest, error) {
	var req domain.WithdrawRequest
	var id int64
	var shares string
	if err := row.Scan(&id, &req.Owner, &shares, &req.Status, &req.CreatedAt, &req.DecidedAt); err != nil {
		return domain.WithdrawRequest{}, err
	}
	req.ID = uint64(id)
	var err error
	if req.SharesAmount, err = parseAmount(shares); err != nil {
		return domain.WithdrawRequest{}, err
	}
	return req, nil
}

func (p *Postgres) RequestsByOwner(ctx context.Context, owner domain.Account) ([]domain.WithdrawRequest, error) {
	rows, err := p.q.Query(ctx, `
SELECT id,owner,shares_amount,status,created_at,decided_at
FROM withdrawal_requests WHERE owner=$1 ORDER BY id
`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WithdrawRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) PutRequest(ctx context.Context, req domain.WithdrawRequest) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO withdrawal_requests(id,owner,shares_amount,status,created_at,decided_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status,decided_at=EXCLUDED.decided_at
`, int64(req.ID), req.Owner, req.SharesAmount.String(), req.Status, req.CreatedAt, req.DecidedAt)
	return err
}

func (p *Postgres) HasPendingRequest(ctx context.Context, owner domain.Account) (bool, error) {
	var exists bool
	err := p.q.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM pending_withdrawals WHERE owner=$1)
`, owner).Scan(&exists)
	return exists, err
}

func (p *Postgres) SetPendingRequest(ctx context.Context, owner domain.Account, requestID uint64) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO pending_withdrawals(owner,request_id) VALUES($1,$2)
ON CONFLICT (owner) DO UPDATE SET request_id=EXCLUDED.request_id
`, owner, int64(requestID))
	return err
}

func (p *Postgres) ClearPendingRequest(ctx context.Context, owner domain.Account) error {
	_, err := p.q.Exec(ctx, `DELETE FROM pending_withdrawals WHERE owner=$1`, owner)
	return err
}

func (p *Postgres) balance(ctx context.Context, table string, account domain.Account) (*big.Int, error) {
	var s string
	err := p.q.QueryRow(ctx, `SELECT balance FROM `+table+` WHERE account=$1`, account).Scan(&s)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	return parseAmount(s)
}

func (p *Postgres) setBalance(ctx context.Context, table string, account domain.Account, v *big.Int) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO `+table+`(account,balance) VALUES($1,$2)
ON CONFLICT (account) DO UPDATE SET balance=EXCLUDED.balance
`, account, v.String())
	return err
}

func (p *Postgres) ShareBalance(ctx context.Context, account domain.Account) (*big.Int, error) {
	return p.balance(ctx, "share_balances", account)
}

func (p *Postgres) ShareSupply(ctx context.Context) (*big.Int, error) {
	var s string
	err := p.q.QueryRow(ctx, `
SELECT COALESCE(SUM(balance::numeric),0)::text FROM share_balances
`).Scan(&s)
	if err != nil {
		return nil, err
	}
	return parseAmount(s)
}

func (p *Postgres) MintShares(ctx context.Context, account domain.Account, amount *big.Int) error {
	bal, err := p.balance(ctx, "share_balances", account)
	if err != nil {
		return err
	}
	return p.setBalance(ctx, "share_balances", account, new(big.Int).Add(bal, amount))
}

func (p *Postgres) BurnShares(ctx context.Context, account domain.Account, amount *big.Int) error {
	bal, err := p.balance(ctx, "share_balances", account)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return domain.ErrInsufficientShares
	}
	return p.setBalance(ctx, "share_balances", account, new(big.Int).Sub(bal, amount))
}

func (p *Postgres) AssetBalance(ctx context.Context, account domain.Account) (*big.Int, error) {
	return p.balance(ctx, "asset_balances", account)
}

func (p *Postgres) CreditAssets(ctx context.Context, account domain.Account, amount *big.Int) error {
	bal, err := p.balance(ctx, "asset_balances", account)
	if err != nil {
		return err
	}
	return p.setBalance(ctx, "asset_balances", account, new(big.Int).Add(bal, amount))
}

func (p *Postgres) TransferAssets(ctx context.Context, from, to domain.Account, amount *big.Int) error {
	if from == to || amount.Sign() == 0 {
		return nil
	}
	fromBal, err := p.balance(ctx, "asset_balances", from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	toBal, err := p.balance(ctx, "asset_balances", to)
	if err != nil {
		return err
	}
	if err := p.setBalance(ctx, "asset_balances", from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return p.setBalance(ctx, "asset_balances", to, new(big.Int).Add(toBal, amount))
}

func (p *Postgres) RecordEvent(ctx context.Context, ev domain.AuditEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = p.q.Exec(ctx, `
INSERT INTO audit_events(event_id,event_type,payload,created_at) VALUES($1,$2,$3::jsonb,$4)
`, ev.EventID, ev.EventType, string(payload), ev.CreatedAt)
	return err
}

func (p *Postgres) RecordSnapshot(ctx context.Context, snap domain.NAVSnapshot) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO nav_snapshots(total_assets,total_shares,vault_held_assets,share_supply,recorded_at)
VALUES($1,$2,$3,$4,$5)
`, snap.TotalAssetsReported.String(), snap.TotalSharesReported.String(),
		snap.VaultHeldAssets.String(), snap.ShareSupply.String(), snap.RecordedAt)
	return err
}

// RegisterToken binds an API token hash to an account.
func (p *Postgres) RegisterToken(ctx context.Context, tokenHash string, account domain.Account) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO api_tokens(token_hash,account) VALUES($1,$2)
ON CONFLICT (token_hash) DO UPDATE SET account=EXCLUDED.account
`, tokenHash, account)
	return err
}

// IdentityByTokenHash implements authn.TokenSource.
func (p *Postgres) IdentityByTokenHash(ctx context.Context, tokenHash string) (authn.Identity, bool, error) {
	var account domain.Account
	err := p.q.QueryRow(ctx, `SELECT account FROM api_tokens WHERE token_hash=$1`, tokenHash).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authn.Identity{}, false, nil
		}
		return authn.Identity{}, false, err
	}
	rows, err := p.q.Query(ctx, `SELECT role FROM vault_roles WHERE account=$1`, account)
	if err != nil {
		return authn.Identity{}, false, err
	}
	defer rows.Close()

	id := authn.Identity{Account: account}
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role); err != nil {
			return authn.Identity{}, false, err
		}
		id.Roles = append(id.Roles, role)
	}
	return id, true, rows.Err()
}

func (p *Postgres) GetIdempotencyRecord(ctx context.Context, account domain.Account, key, endpoint string) (int, []byte, bool, error) {
	var status int
	var body []byte
	err := p.q.QueryRow(ctx, `
SELECT response_status,response_body FROM vault_idempotency_records
WHERE account=$1 AND idempotency_key=$2 AND endpoint=$3
`, account, key, endpoint).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (p *Postgres) SaveIdempotencyRecord(ctx context.Context, account domain.Account, key, endpoint string, status int, body []byte) error {
	_, err := p.q.Exec(ctx, `
INSERT INTO vault_idempotency_records(account,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (account,idempotency_key,endpoint) DO NOTHING
`, account, key, endpoint, status, body)
	return err
}

var _ engine.Store = (*Postgres)(nil)
var _ authn.TokenSource = (*Postgres)(nil)
