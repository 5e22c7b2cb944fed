package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// wire formats use 0x-prefixed hex for every quantity and byte string

type userOperationV06JSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

type userOperationV07JSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func (op *UserOperationV06) MarshalJSON() ([]byte, error) {
	return json.Marshal(&userOperationV06JSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		InitCode:             nonNil(op.InitCode),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(op.PaymasterAndData),
		Signature:            nonNil(op.Signature),
	})
}

func (op *UserOperationV06) UnmarshalJSON(data []byte) error {
	var w userOperationV06JSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = UserOperationV06{
		Core: Core{
			Sender:               w.Sender,
			Nonce:                fromHexBig(w.Nonce),
			CallData:             nonNil(w.CallData),
			CallGasLimit:         fromHexBig(w.CallGasLimit),
			VerificationGasLimit: fromHexBig(w.VerificationGasLimit),
			PreVerificationGas:   fromHexBig(w.PreVerificationGas),
			MaxFeePerGas:         fromHexBig(w.MaxFeePerGas),
			MaxPriorityFeePerGas: fromHexBig(w.MaxPriorityFeePerGas),
			Signature:            nonNil(w.Signature),
		},
		InitCode:         nonNil(w.InitCode),
		PaymasterAndData: nonNil(w.PaymasterAndData),
	}
	return nil
}

func (op *UserOperationV07) MarshalJSON() ([]byte, error) {
	w := userOperationV07JSON{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            nonNil(op.Signature),
	}
	if op.Factory != nil {
		w.Factory = op.Factory
		w.FactoryData = op.FactoryData
	}
	if op.Paymaster != nil {
		w.Paymaster = op.Paymaster
		w.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		w.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		w.PaymasterData = op.PaymasterData
	}
	return json.Marshal(&w)
}

func (op *UserOperationV07) UnmarshalJSON(data []byte) error {
	var w userOperationV07JSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*op = UserOperationV07{
		Core: Core{
			Sender:               w.Sender,
			Nonce:                fromHexBig(w.Nonce),
			CallData:             nonNil(w.CallData),
			CallGasLimit:         fromHexBig(w.CallGasLimit),
			VerificationGasLimit: fromHexBig(w.VerificationGasLimit),
			PreVerificationGas:   fromHexBig(w.PreVerificationGas),
			MaxFeePerGas:         fromHexBig(w.MaxFeePerGas),
			MaxPriorityFeePerGas: fromHexBig(w.MaxPriorityFeePerGas),
			Signature:            nonNil(w.Signature),
		},
	}
	// some bundlers echo a zero factory instead of omitting it
	if w.Factory != nil && *w.Factory != (common.Address{}) {
		op.Factory = w.Factory
		op.FactoryData = nonNil(w.FactoryData)
	}
	if w.Paymaster != nil && *w.Paymaster != (common.Address{}) {
		op.Paymaster = w.Paymaster
		op.PaymasterVerificationGasLimit = fromHexBig(w.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = fromHexBig(w.PaymasterPostOpGasLimit)
		op.PaymasterData = nonNil(w.PaymasterData)
	}
	return nil
}

// DecodeJSON parses a user operation of either version. v0.6 is recognized
// by its initCode or paymasterAndData keys.
func DecodeJSON(data []byte) (UserOperation, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode user operation: %w", err)
	}
	_, hasInitCode := keys["initCode"]
	_, hasPaymasterAndData := keys["paymasterAndData"]
	if hasInitCode || hasPaymasterAndData {
		op := new(UserOperationV06)
		if err := json.Unmarshal(data, op); err != nil {
			return nil, fmt.Errorf("decode v0.6 user operation: %w", err)
		}
		return op, nil
	}
	op := new(UserOperationV07)
	if err := json.Unmarshal(data, op); err != nil {
		return nil, fmt.Errorf("decode v0.7 user operation: %w", err)
	}
	return op, nil
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(orZero(v))
}

func fromHexBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
