package ledger

// Ledger gateway routes.
const (
	syncPath          = "/v1/sync"
	importAccountPath = "/v1/account/import"
	reservesPath      = "/v1/account/reserves"
	notesPath         = "/v1/account/notes"
	submitPath        = "/v1/tx/submit"
	txStatusPath      = "/v1/tx/status"
)
