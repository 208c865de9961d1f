package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memTx struct {
	status TxStatus
	polls  int
}

// Memory is an in-process ledger with the same note semantics as the real one:
// notes are consumed at most once and every request commits atomically. It backs
// local runs and tests, with knobs for confirmation delay and fault injection.
type Memory struct {
	mu     sync.Mutex
	vaults map[string]map[string]uint64
	notes  map[string][]Note
	txs    map[string]*memTx
	seq    uint64
	height uint64

	confirmAfter int
	neverConfirm bool
	discardNext  int
	submitErrs   []error
	syncErr      error
	syncs        int
	submits      int
}

func NewMemory() *Memory {
	return &Memory{
		vaults: map[string]map[string]uint64{},
		notes:  map[string][]Note{},
		txs:    map[string]*memTx{},
	}
}

// CreateAccount registers an account with an initial vault.
func (m *Memory) CreateAccount(accountID string, assets ...Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vault, ok := m.vaults[accountID]
	if !ok {
		vault = map[string]uint64{}
		m.vaults[accountID] = vault
	}
	for _, a := range assets {
		vault[a.AssetID] += a.Amount
	}
}

// AddNote places a consumable note for recipient and returns its id.
func (m *Memory) AddNote(recipient string, note Note) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if note.ID == "" {
		m.seq++
		note.ID = fmt.Sprintf("0xnote%012x", m.seq)
	}
	m.notes[recipient] = append(m.notes[recipient], note)
	return note.ID
}

// Balance returns the vault balance of assetID for accountID.
func (m *Memory) Balance(accountID, assetID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vaults[accountID][assetID]
}

// Notes returns the notes currently consumable by accountID.
func (m *Memory) Notes(accountID string) []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes[accountID]...)
}

// SetConfirmAfter makes transactions report committed only after n status polls.
func (m *Memory) SetConfirmAfter(n int) {
	m.mu.Lock()
	m.confirmAfter = n
	m.mu.Unlock()
}

// SetNeverConfirm keeps every transaction pending while true.
func (m *Memory) SetNeverConfirm(v bool) {
	m.mu.Lock()
	m.neverConfirm = v
	m.mu.Unlock()
}

// DiscardNext makes the next n submissions accepted but discarded without effect.
func (m *Memory) DiscardNext(n int) {
	m.mu.Lock()
	m.discardNext = n
	m.mu.Unlock()
}

// FailNextSubmit queues errors returned by upcoming Submit calls, in order. A nil
// entry lets that submission through.
func (m *Memory) FailNextSubmit(errs ...error) {
	m.mu.Lock()
	m.submitErrs = append(m.submitErrs, errs...)
	m.mu.Unlock()
}

// SetSyncError makes Sync fail with err until cleared with nil.
func (m *Memory) SetSyncError(err error) {
	m.mu.Lock()
	m.syncErr = err
	m.mu.Unlock()
}

// Syncs counts Sync calls.
func (m *Memory) Syncs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

// Submits counts accepted submissions.
func (m *Memory) Submits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

func (m *Memory) Sync(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	if m.syncErr != nil {
		return m.height, m.syncErr
	}
	if err := ctx.Err(); err != nil {
		return m.height, err
	}
	m.height++
	return m.height, nil
}

func (m *Memory) ImportAccount(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[accountID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (m *Memory) GetAccountReserves(_ context.Context, accountID string) ([]Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vault, ok := m.vaults[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	out := make([]Asset, 0, len(vault))
	for id, amount := range vault {
		out = append(out, Asset{AssetID: id, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (m *Memory) ListConsumableNotes(_ context.Context, accountID string) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes[accountID]...), nil
}

func (m *Memory) Submit(_ context.Context, accountID string, req TxRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	vault, ok := m.vaults[accountID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}

	// Stage every effect before applying any of them.
	next := make(map[string]uint64, len(vault))
	for k, v := range vault {
		next[k] = v
	}
	remaining := append([]Note(nil), m.notes[accountID]...)
	for _, id := range req.ConsumeNotes {
		idx := -1
		for i, n := range remaining {
			if n.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("%w: %s", ErrNoteNotFound, id)
		}
		for _, a := range remaining[idx].Assets {
			next[a.AssetID] += a.Amount
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	for _, out := range req.Outputs {
		for _, a := range out.Assets {
			if next[a.AssetID] < a.Amount {
				return "", fmt.Errorf("%w: %s needs %d, has %d", ErrInsufficientFunds, a.AssetID, a.Amount, next[a.AssetID])
			}
			next[a.AssetID] -= a.Amount
		}
	}

	m.seq++
	txID := fmt.Sprintf("0xtx%012x", m.seq)
	m.submits++
	if m.discardNext > 0 {
		m.discardNext--
		m.txs[txID] = &memTx{status: TxDiscarded}
		return txID, nil
	}

	m.vaults[accountID] = next
	m.notes[accountID] = remaining
	for _, out := range req.Outputs {
		m.seq++
		m.notes[out.Recipient] = append(m.notes[out.Recipient], Note{
			ID:     fmt.Sprintf("0xnote%012x", m.seq),
			Sender: accountID,
			Assets: append([]Asset(nil), out.Assets...),
		})
	}
	m.txs[txID] = &memTx{status: TxPending}
	return txID, nil
}

func (m *Memory) TransactionStatus(_ context.Context, txID string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTxNotFound, txID)
	}
	if tx.status != TxPending || m.neverConfirm {
		return tx.status, nil
	}
	tx.polls++
	if tx.polls > m.confirmAfter {
		tx.status = TxCommitted
	}
	return tx.status, nil
}
