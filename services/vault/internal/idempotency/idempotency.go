// Package idempotency replays stored responses for repeated mutating calls
// carrying the same Idempotency-Key. Deposits and withdrawal-request creation
// use it so a retried HTTP call cannot double-submit.
package idempotency

import (
	"context"

	"poolvault/pkg/domain"
)

type Store interface {
	GetIdempotencyRecord(ctx context.Context, account domain.Account, key, endpoint string) (int, []byte, bool, error)
	SaveIdempotencyRecord(ctx context.Context, account domain.Account, key, endpoint string, status int, body []byte) error
}

func Replay(ctx context.Context, st Store, account domain.Account, key, endpoint string) (int, []byte, bool, error) {
	if key == "" {
		return 0, nil, false, nil
	}
	return st.GetIdempotencyRecord(ctx, account, key, endpoint)
}

func Save(ctx context.Context, st Store, account domain.Account, key, endpoint string, status int, body []byte) error {
	if key == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, account, key, endpoint, status, body)
}
