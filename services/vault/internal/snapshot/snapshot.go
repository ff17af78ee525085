// Package snapshot records the vault's NAV history on a cron schedule. The
// agent's valuation feed is unverified, so operators keep a periodic record
// of what was reported and what the vault actually held.
package snapshot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"poolvault/services/vault/internal/engine"
)

type Recorder struct {
	cron  *cron.Cron
	vault *engine.Vault
	log   *zap.Logger
}

// New schedules a NAV snapshot at the given cron spec (standard five-field
// syntax).
func New(vault *engine.Vault, spec string, log *zap.Logger) (*Recorder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{cron: cron.New(), vault: vault, log: log}
	if _, err := r.cron.AddFunc(spec, r.record); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) record() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, err := r.vault.RecordSnapshot(ctx)
	if err != nil {
		r.log.Error("nav snapshot failed", zap.Error(err))
		return
	}
	r.log.Info("nav snapshot recorded",
		zap.String("total_assets", snap.TotalAssetsReported.String()),
		zap.String("total_shares", snap.TotalSharesReported.String()),
		zap.String("vault_held", snap.VaultHeldAssets.String()),
		zap.String("share_supply", snap.ShareSupply.String()))
}

func (r *Recorder) Start() { r.cron.Start() }

// Stop halts scheduling and waits for a running snapshot to finish.
func (r *Recorder) Stop() {
	<-r.cron.Stop().Done()
}
