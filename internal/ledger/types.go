package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// Journal entry types
	TxTypeCredit      = "credit"
	TxTypeTransferIn  = "transfer_in"
	TxTypeTransferOut = "transfer_out"
	TxTypeApprove     = "approve"
)

// Entry is one journal line for an account.
type Entry struct {
	ID           string          `json:"id"`
	Account      string          `json:"account"`
	Counterparty string          `json:"counterparty,omitempty"`
	Asset        string          `json:"asset"`
	TxType       string          `json:"tx_type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type balanceKey struct {
	owner string
	asset string
}

type allowanceKey struct {
	owner   string
	spender string
	asset   string
}
