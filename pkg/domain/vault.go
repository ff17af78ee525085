package domain

import (
	"math/big"
	"time"
)

// Account identifies a share holder, operator, or custody account. Accounts
// are opaque strings; the service never interprets them beyond equality.
type Account string

type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleAgent Role = "AGENT"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
)

// WithdrawRequest is one entry in the append-only withdrawal log. Everything
// except Status and DecidedAt is fixed at creation time; in particular
// SharesAmount is the share count reserved when the request was made and is
// never recomputed against later valuations.
type WithdrawRequest struct {
	ID           uint64        `json:"id"`
	Owner        Account       `json:"owner"`
	SharesAmount *big.Int      `json:"shares_amount"`
	Status       RequestStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	DecidedAt    *time.Time    `json:"decided_at,omitempty"`
}

// ValuationState carries the agent-reported totals that define the
// share/asset exchange rate. Both totals move only together, via a single
// overwrite.
type ValuationState struct {
	TotalAssetsReported *big.Int  `json:"total_assets_reported"`
	TotalSharesReported *big.Int  `json:"total_shares_reported"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// VaultConfig is the admin-mutable configuration record.
type VaultConfig struct {
	AgentAccount       Account `json:"agent_account"`
	TreasuryAccount    Account `json:"treasury_account"`
	WithdrawFeeRatePPM uint64  `json:"withdraw_fee_rate_ppm"`
}

type AuditEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

const (
	EventDeposit             = "deposit"
	EventFundsDelegated      = "funds_delegated"
	EventFundsRemitted       = "funds_remitted"
	EventAssetsCredited      = "assets_credited"
	EventWithdrawalRequested = "withdrawal_requested"
	EventWithdrawalApproved  = "withdrawal_approved"
	EventWithdrawalRejected  = "withdrawal_rejected"
	EventValuationUpdated    = "valuation_updated"
	EventFeeRateUpdated      = "fee_rate_updated"
	EventAgentUpdated        = "agent_updated"
	EventTreasuryUpdated     = "treasury_updated"
)

// NAVSnapshot is one row of the periodic valuation history recorded by the
// snapshot job.
type NAVSnapshot struct {
	TotalAssetsReported *big.Int  `json:"total_assets_reported"`
	TotalSharesReported *big.Int  `json:"total_shares_reported"`
	VaultHeldAssets     *big.Int  `json:"vault_held_assets"`
	ShareSupply         *big.Int  `json:"share_supply"`
	RecordedAt          time.Time `json:"recorded_at"`
}
