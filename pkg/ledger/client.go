// Package ledger is the boundary to the note-based ledger: the Client capability the
// settlement engine drives, an HTTP adapter, an in-memory ledger, reserve reads and
// bounded confirmation polling.
package ledger

import "context"

// Client is the ledger capability. Implementations are not required to be safe for
// concurrent use; the settlement engine is the only caller.
type Client interface {
	// Sync refreshes the local view of the ledger and returns the synced height.
	Sync(ctx context.Context) (uint64, error)
	// ImportAccount makes an account known to the local view.
	ImportAccount(ctx context.Context, accountID string) error
	// GetAccountReserves returns the account's vault balances.
	GetAccountReserves(ctx context.Context, accountID string) ([]Asset, error)
	// ListConsumableNotes returns notes the account can consume.
	ListConsumableNotes(ctx context.Context, accountID string) ([]Note, error)
	// Submit signs and submits req on behalf of accountID.
	Submit(ctx context.Context, accountID string, req TxRequest) (string, error)
	// TransactionStatus reports whether a submitted transaction was committed.
	TransactionStatus(ctx context.Context, txID string) (TxStatus, error)
}
