// Package schema builds the badger key layout.
//
//	a:<chain>:<owner>                   smart account of owner on chain
//	tx:<owner>:<chain>:<userOpHash>     transaction record
//	pending:<chain>:<userOpHash>        -> tx key, while the outcome is unknown
//	ct:<chain>:<owner>                  submission counter
package schema

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func AccountStorageKey(chainID uint64, owner common.Address) []byte {
	return []byte(fmt.Sprintf("a:%d:%s", chainID, strings.ToLower(owner.Hex())))
}

func AccountByChainPrefix(chainID uint64) []byte {
	return []byte(fmt.Sprintf("a:%d:", chainID))
}

func TransactionStorageKey(owner common.Address, chainID uint64, hash common.Hash) []byte {
	return []byte(fmt.Sprintf(
		"tx:%s:%d:%s",
		strings.ToLower(owner.Hex()),
		chainID,
		strings.ToLower(hash.Hex()),
	))
}

func TransactionByOwnerPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("tx:%s:", strings.ToLower(owner.Hex())))
}

func PendingTransactionKey(chainID uint64, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("pending:%d:%s", chainID, strings.ToLower(hash.Hex())))
}

func PendingTransactionPrefix() []byte {
	return []byte("pending:")
}

func SubmissionCounterKey(chainID uint64, owner common.Address) []byte {
	return []byte(fmt.Sprintf("ct:%d:%s", chainID, strings.ToLower(owner.Hex())))
}
