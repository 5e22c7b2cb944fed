package model

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type AccountType string

const (
	// SimpleAccountType is an eth-infinitism SimpleAccountFactory deployment.
	// Its address is asked from the factory once and then cached.
	SimpleAccountType AccountType = "simple"
	// LightAccountType derives its address offline from a fixed proxy init
	// code hash.
	LightAccountType AccountType = "light"
)

func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(s) {
	case SimpleAccountType, "":
		return SimpleAccountType, nil
	case LightAccountType:
		return LightAccountType, nil
	}
	return "", fmt.Errorf("unknown account type %q", s)
}

// SmartAccount describes a counterfactual or deployed smart account. The
// address is a pure function of (factory, owner, salt).
type SmartAccount struct {
	Owner       common.Address `json:"owner"`
	Address     common.Address `json:"address"`
	Factory     common.Address `json:"factory"`
	Salt        *big.Int       `json:"salt"`
	ChainID     uint64         `json:"chain_id"`
	AccountType AccountType    `json:"account_type"`
	IsDeployed  bool           `json:"is_deployed"`
	Balance     *big.Int       `json:"balance,omitempty"`
	CreatedAt   int64          `json:"created_at,omitempty"`
}

func (a *SmartAccount) ToJSON() ([]byte, error) {
	return json.Marshal(a)
}

func (a *SmartAccount) FromStorageData(body []byte) error {
	return json.Unmarshal(body, a)
}

// Clone returns a deep copy so cached descriptors are never shared.
func (a *SmartAccount) Clone() *SmartAccount {
	c := *a
	if a.Salt != nil {
		c.Salt = new(big.Int).Set(a.Salt)
	}
	if a.Balance != nil {
		c.Balance = new(big.Int).Set(a.Balance)
	}
	return &c
}
