package service

import (
	"context"
	"log/slog"
)

// Reclaimer returns claims abandoned by crashed or hung workers to the
// backlog. Running several reclaimers, or running one next to active
// workers, is safe: ResetStuck re-checks the record before writing.
type Reclaimer struct {
	engine *Engine
	batch  int
	log    *slog.Logger
}

func NewReclaimer(e *Engine, batch int) *Reclaimer {
	if batch <= 0 {
		batch = 100
	}
	return &Reclaimer{
		engine: e,
		batch:  batch,
		log:    e.opts.logger.With("component", "reclaimer"),
	}
}

// Sweep resets every stuck record it can find and reports how many it reset.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	reset := 0
	for {
		if err := ctx.Err(); err != nil {
			return reset, err
		}

		stuck, err := r.engine.Stuck(ctx, r.batch)
		if err != nil {
			return reset, err
		}

		progressed := 0
		for _, m := range stuck {
			ok, err := r.engine.ResetStuck(ctx, m.ID)
			if err != nil {
				r.log.Error("reset stuck failed", "id", m.ID, "error", err)
				continue
			}
			if ok {
				progressed++
				owner := ""
				if m.ClaimOwner != nil {
					owner = *m.ClaimOwner
				}
				r.log.Info("stuck message returned to pending",
					"id", m.ID,
					"owner", owner,
					"timeout", r.engine.StuckTimeout().String(),
				)
			}
		}
		reset += progressed

		if len(stuck) < r.batch || progressed == 0 {
			return reset, nil
		}
	}
}

// Tick adapts Sweep to the scheduler.
func (r *Reclaimer) Tick(ctx context.Context) {
	n, err := r.Sweep(ctx)
	if err != nil {
		r.log.Error("sweep failed", "reset", n, "error", err)
		return
	}
	if n > 0 {
		r.log.Info("sweep completed", "reset", n)
	}
}
