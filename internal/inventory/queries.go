package inventory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// GetBalance returns the materialised balance for one key. A key with no
// history reads as zero.
func (s *Service) GetBalance(ctx context.Context, key BalanceKey) (Balance, error) {
	if !key.Holder.Valid() {
		return Balance{}, ErrInvalidHolder
	}
	bal, err := s.repo.GetBalance(ctx, key)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{Key: key, QtyOnHand: decimal.Zero, QtyReserved: decimal.Zero}, nil
	}
	return bal, err
}

// ListBalances lists balances matching a partial key. Informational only;
// never a basis for a mutating decision.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	return s.repo.ListBalances(ctx, filter)
}

// QueryLedger returns ledger entries matching the filter, ordered by tx time
// ascending.
func (s *Service) QueryLedger(ctx context.Context, filter LedgerFilter) ([]LedgerEntry, error) {
	return s.repo.QueryLedger(ctx, filter)
}

// ReplayBalance folds the signed contributions of every ledger entry touching
// the key. Used for reconciliation and tests; must equal the stored balance.
func (s *Service) ReplayBalance(ctx context.Context, key BalanceKey) (decimal.Decimal, error) {
	return s.repo.ReplayBalance(ctx, key)
}

// Rollup aggregates on-hand quantity across lots, optionally narrowed to one
// holder type.
func (s *Service) Rollup(ctx context.Context, itemID int64, holderType HolderType) ([]RollupRow, error) {
	return s.repo.Rollup(ctx, itemID, holderType)
}

// ExpiringStock lists lots whose expiry falls within [now, now+days], paired
// with their current balances.
func (s *Service) ExpiringStock(ctx context.Context, filter ExpiryFilter) ([]ExpiringLot, error) {
	if filter.Days <= 0 {
		filter.Days = 30
	}
	return s.repo.ListExpiring(ctx, filter)
}

// ListContainers lists the containers registered under a lot.
func (s *Service) ListContainers(ctx context.Context, lotID int64) ([]Container, error) {
	return s.repo.ListContainers(ctx, lotID)
}

// Divergence reports a key whose replayed balance disagrees with the stored
// one. This is a data-integrity defect, never auto-corrected.
type Divergence struct {
	Key      BalanceKey
	Stored   decimal.Decimal
	Replayed decimal.Decimal
}

// ReconcileAll replays every known balance key against the ledger and
// quarantines any key that diverges, halting further writes to it until
// manual reconciliation. Replays are read-only, so a handful run in
// parallel.
func (s *Service) ReconcileAll(ctx context.Context) ([]Divergence, error) {
	balances, err := s.repo.ListBalances(ctx, BalanceFilter{})
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		diverged []Divergence
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, bal := range balances {
		g.Go(func() error {
			replayed, err := s.repo.ReplayBalance(ctx, bal.Key)
			if err != nil {
				return err
			}
			if replayed.Equal(bal.QtyOnHand) {
				return nil
			}
			// The listed balance is a stale snapshot by now: a movement
			// committing between the listing and the replay makes a healthy
			// key look diverged. Confirm under the row lock, where the
			// stored balance and the replay see the same ledger.
			div, err := s.confirmDivergence(ctx, bal.Key)
			if err != nil {
				return err
			}
			if div == nil {
				return nil
			}
			mu.Lock()
			diverged = append(diverged, *div)
			mu.Unlock()
			if s.quarantine != nil {
				reason := "replay " + div.Replayed.String() + " != stored " + div.Stored.String()
				return s.quarantine.Flag(ctx, bal.Key, reason)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(diverged, func(i, j int) bool { return diverged[i].Key.String() < diverged[j].Key.String() })
	return diverged, nil
}

func (s *Service) confirmDivergence(ctx context.Context, key BalanceKey) (*Divergence, error) {
	var div *Divergence
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stored := decimal.Zero
		bal, err := tx.GetBalanceForUpdate(ctx, key)
		switch {
		case err == nil:
			stored = bal.QtyOnHand
		case errors.Is(err, ErrBalanceNotFound):
		default:
			return err
		}
		replayed, err := tx.ReplayBalance(ctx, key)
		if err != nil {
			return err
		}
		if !replayed.Equal(stored) {
			div = &Divergence{Key: key, Stored: stored, Replayed: replayed}
		}
		return nil
	})
	return div, err
}
