package ledger

// Asset is a fungible balance held by an account or carried by a note.
type Asset struct {
	AssetID string `json:"assetId"`
	Amount  uint64 `json:"amount"`
}

// Note is a ledger bearer object that its recipient can consume exactly once.
type Note struct {
	ID     string  `json:"noteId"`
	Sender string  `json:"sender,omitempty"`
	Assets []Asset `json:"assets"`
}

// Total sums every asset amount carried by the note, saturating on overflow.
func (n Note) Total() uint64 {
	var total uint64
	for _, a := range n.Assets {
		if total+a.Amount < total {
			return ^uint64(0)
		}
		total += a.Amount
	}
	return total
}

// AmountOf returns how much of assetID the note carries.
func (n Note) AmountOf(assetID string) uint64 {
	var total uint64
	for _, a := range n.Assets {
		if a.AssetID == assetID {
			total += a.Amount
		}
	}
	return total
}

// OutputNote is a note emitted by a transaction.
type OutputNote struct {
	Recipient string  `json:"recipient"`
	Assets    []Asset `json:"assets"`
}

// TxRequest consumes notes into the submitting account and emits output notes from
// it. All effects of one request commit atomically or not at all.
type TxRequest struct {
	ConsumeNotes []string     `json:"consumeNotes,omitempty"`
	Outputs      []OutputNote `json:"outputs,omitempty"`
	Memo         string       `json:"memo,omitempty"`
}

// TxStatus is the ledger's view of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCommitted TxStatus = "committed"
	TxDiscarded TxStatus = "discarded"
)
