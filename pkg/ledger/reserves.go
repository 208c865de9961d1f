package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Leg is one side of a two-asset pool.
type Leg struct {
	AssetID string `json:"asset_id"`
	Amount  uint64 `json:"amount"`
}

// Reserves are a pool's two legs ordered by asset id.
type Reserves struct {
	PoolID string `json:"pool_id"`
	A      Leg    `json:"leg_a"`
	B      Leg    `json:"leg_b"`
}

// Orient returns (reserveIn, reserveOut) for a trade selling sell for buy.
func (r Reserves) Orient(sell, buy string) (uint64, uint64, error) {
	switch {
	case sell == r.A.AssetID && buy == r.B.AssetID:
		return r.A.Amount, r.B.Amount, nil
	case sell == r.B.AssetID && buy == r.A.AssetID:
		return r.B.Amount, r.A.Amount, nil
	}
	return 0, 0, fmt.Errorf("%w: %s/%s not in pool %s (%s/%s)", ErrAssetMismatch, sell, buy, r.PoolID, r.A.AssetID, r.B.AssetID)
}

// Has reports whether assetID is one of the legs.
func (r Reserves) Has(assetID string) bool {
	return assetID == r.A.AssetID || assetID == r.B.AssetID
}

// Total sums both legs, saturating on overflow.
func (r Reserves) Total() uint64 {
	if t := r.A.Amount + r.B.Amount; t >= r.A.Amount {
		return t
	}
	return ^uint64(0)
}

// ReserveReader reads pool balances fresh from the ledger.
type ReserveReader struct {
	client      Client
	logger      *zap.Logger
	syncTimeout time.Duration
}

func NewReserveReader(client Client, logger *zap.Logger, syncTimeout time.Duration) *ReserveReader {
	if syncTimeout <= 0 {
		syncTimeout = 45 * time.Second
	}
	return &ReserveReader{client: client, logger: logger, syncTimeout: syncTimeout}
}

// Sync refreshes the local view within the reader's timeout. Failures are logged
// and the caller proceeds on the last known state.
func (r *ReserveReader) Sync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, r.syncTimeout)
	defer cancel()
	height, err := r.client.Sync(syncCtx)
	if err != nil {
		r.logger.Warn("Ledger sync failed, continuing with last known state", zap.Error(err))
		return
	}
	r.logger.Debug("Ledger synced", zap.Uint64("height", height))
}

// Read syncs, then returns the pool's two reserve legs.
func (r *ReserveReader) Read(ctx context.Context, poolID string) (Reserves, error) {
	r.Sync(ctx)
	return r.ReadNoSync(ctx, poolID)
}

// ReadNoSync reads reserves against the current local view.
func (r *ReserveReader) ReadNoSync(ctx context.Context, poolID string) (Reserves, error) {
	assets, err := r.client.GetAccountReserves(ctx, poolID)
	if errors.Is(err, ErrAccountNotFound) {
		if importErr := r.client.ImportAccount(ctx, poolID); importErr != nil {
			return Reserves{}, fmt.Errorf("%w: %s: %v", ErrPoolNotFound, poolID, importErr)
		}
		assets, err = r.client.GetAccountReserves(ctx, poolID)
		if errors.Is(err, ErrAccountNotFound) {
			return Reserves{}, fmt.Errorf("%w: %s", ErrPoolNotFound, poolID)
		}
	}
	if err != nil {
		return Reserves{}, fmt.Errorf("read reserves of %s: %w", poolID, WithHint(err))
	}
	return buildReserves(poolID, assets)
}

func buildReserves(poolID string, assets []Asset) (Reserves, error) {
	byAsset := map[string]uint64{}
	for _, a := range assets {
		if a.AssetID == "" {
			continue
		}
		byAsset[a.AssetID] += a.Amount
	}
	// A drained third asset is not a leg. Zero legs stay when there are only two so
	// an empty side still reads as an empty pool.
	if len(byAsset) > 2 {
		for id, amount := range byAsset {
			if amount == 0 {
				delete(byAsset, id)
			}
		}
	}
	switch {
	case len(byAsset) < 2:
		return Reserves{}, fmt.Errorf("%w: %s has %d", ErrInsufficientReserves, poolID, len(byAsset))
	case len(byAsset) > 2:
		return Reserves{}, fmt.Errorf("%w: %s has %d", ErrTooManyAssets, poolID, len(byAsset))
	}
	ids := make([]string, 0, 2)
	for id := range byAsset {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Reserves{
		PoolID: poolID,
		A:      Leg{AssetID: ids[0], Amount: byAsset[ids[0]]},
		B:      Leg{AssetID: ids[1], Amount: byAsset[ids[1]]},
	}, nil
}
