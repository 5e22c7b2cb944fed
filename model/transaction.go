package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
)

// OperationState is the lifecycle position of a submitted user operation.
type OperationState string

const (
	StateBuilt     OperationState = "built"
	StateSubmitted OperationState = "submitted"
	StateIncluded  OperationState = "included"
	StateFailed    OperationState = "failed"
	StateTimedOut  OperationState = "timed_out"
)

// Terminal reports whether no further transition is allowed. TimedOut is
// terminal for the submission but may still be reconciled later.
func (s OperationState) Terminal() bool {
	return s == StateIncluded || s == StateFailed || s == StateTimedOut
}

// TransactionRecord is the persisted trace of one submission.
type TransactionRecord struct {
	// sortable unique id
	ID string `json:"id"`

	Owner             common.Address `json:"owner"`
	Sender            common.Address `json:"sender"`
	ChainID           uint64         `json:"chain_id"`
	EntryPoint        common.Address `json:"entry_point"`
	EntryPointVersion string         `json:"entry_point_version"`
	UserOpHash        common.Hash    `json:"user_op_hash"`
	Provider          string         `json:"provider"`
	PolicyID          string         `json:"policy_id,omitempty"`
	Sponsored         bool           `json:"sponsored"`

	State           OperationState `json:"state"`
	TransactionHash *common.Hash   `json:"transaction_hash,omitempty"`
	BlockNumber     uint64         `json:"block_number,omitempty"`
	GasUsed         string         `json:"gas_used,omitempty"`
	ActualGasCost   string         `json:"actual_gas_cost,omitempty"`
	Reason          string         `json:"reason,omitempty"`

	SubmittedAt int64 `json:"submitted_at"`
	UpdatedAt   int64 `json:"updated_at"`
}

// Generate a sorted uuid
func GenerateTransactionID() string {
	return ulid.Make().String()
}

// Return a compact json ready to persist to storage
func (t *TransactionRecord) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func (t *TransactionRecord) FromStorageData(body []byte) error {
	return json.Unmarshal(body, t)
}
