package domain

import "errors"

// Sentinel errors for the vault's public operations. Every failure aborts the
// whole operation with no partial state change; none are recovered internally.
var (
	ErrAccessDenied             = errors.New("access denied")
	ErrAlreadyRequestedWithdraw = errors.New("owner already has a pending withdrawal request")
	ErrRequestNotFound          = errors.New("withdrawal request not found")
	ErrRequestNotPending        = errors.New("withdrawal request is not pending")
	ErrInsufficientBalance      = errors.New("insufficient asset balance")
	ErrInsufficientShares       = errors.New("insufficient share balance")
	ErrZeroAddress              = errors.New("account must not be empty")
	ErrExceedsMaxFee            = errors.New("fee rate exceeds maximum")
	ErrExceedsMaxDeposit        = errors.New("deposit exceeds maximum")
	ErrExceedsMaxWithdraw       = errors.New("withdrawal exceeds owner share balance")
	ErrNotSupported             = errors.New("operation not supported by this vault")
	ErrInvalidAmount            = errors.New("amount must be a non-negative integer")
)
