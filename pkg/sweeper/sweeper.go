// Package sweeper expires conversations whose expiration time has passed.
// A cron-scheduled pass walks the store and flips active conversations to
// expired; expired conversations stop accepting mutations at the engine.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"em2/pkg/config"
	"em2/pkg/logger"
	"em2/pkg/models"
	"em2/pkg/store"
)

type Sweeper struct {
	store  store.Store
	cfg    config.SweeperConfig
	now    func() time.Time
	cancel context.CancelFunc
}

func New(st store.Store, cfg config.SweeperConfig) *Sweeper {
	return &Sweeper{store: st, cfg: cfg, now: time.Now}
}

// Start launches the scheduler goroutine when enabled. Returns a cancel
// func that stops it.
func (s *Sweeper) Start(ctx context.Context) (context.CancelFunc, error) {
	if !s.cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}
	cronExpr := s.cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", s.cfg.Cron)
	}

	ctx2, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.runScheduler(ctx2, cronExpr)
	logger.Info("sweeper_started", "cron", cronExpr, "dry_run", s.cfg.DryRun)
	return cancel, nil
}

func (s *Sweeper) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		default:
		}

		now := s.now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("sweeper_stopping")
			return
		}

		if err := s.RunOnce(ctx); err != nil {
			logger.Error("sweeper_run_error", "error", err)
		}
	}
}

// RunOnce performs a single sweep over all conversations.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	ids, err := s.store.ListConversationIDs(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	var expired int
	for _, id := range ids {
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			logger.Warn("sweeper_read_failed", "conv", id, "error", err)
			continue
		}
		if conv.Status != models.StatusActive || conv.Expiration == nil || conv.Expiration.After(now) {
			continue
		}
		if s.cfg.DryRun {
			logger.Info("sweeper_would_expire", "conv", id, "expiration", conv.Expiration)
			continue
		}
		err = s.store.Update(ctx, id, func(tx store.Tx) error {
			core, err := tx.Conversation()
			if err != nil {
				return err
			}
			if core.Status != models.StatusActive {
				return nil
			}
			return tx.SetStatus(models.StatusExpired)
		})
		if err != nil {
			logger.Warn("sweeper_expire_failed", "conv", id, "error", err)
			continue
		}
		expired++
		logger.Info("conversation_expired", "conv", id)
	}
	logger.Info("sweeper_run_complete", "scanned", len(ids), "expired", expired)
	return nil
}
