package bundler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

var bigT = reflect.TypeOf(big.Int{})

// Quantity accepts the encodings bundlers use in the wild: 0x-hex strings,
// decimal strings and bare JSON numbers.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	s := string(data)
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}

	v, ok := new(big.Int), false
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		if len(s) == 2 {
			v, ok = new(big.Int), true
		} else {
			v, ok = v.SetString(s[2:], 16)
		}
	default:
		v, ok = v.SetString(s, 10)
	}
	if !ok {
		return &json.UnmarshalTypeError{Value: "quantity " + s, Type: bigT}
	}
	*q = Quantity(*v)
	return nil
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", q.ToInt()))
}

// ToInt returns a copy; nil receivers yield nil.
func (q *Quantity) ToInt() *big.Int {
	if q == nil {
		return nil
	}
	v := big.Int(*q)
	return new(big.Int).Set(&v)
}

// GasEstimation is the result of eth_estimateUserOperationGas. The
// paymaster limits are only returned for v0.7 operations.
type GasEstimation struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

type gasEstimationJSON struct {
	PreVerificationGas            *Quantity `json:"preVerificationGas"`
	VerificationGasLimit          *Quantity `json:"verificationGasLimit"`
	VerificationGas               *Quantity `json:"verificationGas"`
	CallGasLimit                  *Quantity `json:"callGasLimit"`
	PaymasterVerificationGasLimit *Quantity `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *Quantity `json:"paymasterPostOpGasLimit"`
}

func (g *gasEstimationJSON) estimation() *GasEstimation {
	vgl := g.VerificationGasLimit
	if vgl == nil {
		// pre-0.6 bundlers
		vgl = g.VerificationGas
	}
	return &GasEstimation{
		PreVerificationGas:            g.PreVerificationGas.ToInt(),
		VerificationGasLimit:          vgl.ToInt(),
		CallGasLimit:                  g.CallGasLimit.ToInt(),
		PaymasterVerificationGasLimit: g.PaymasterVerificationGasLimit.ToInt(),
		PaymasterPostOpGasLimit:       g.PaymasterPostOpGasLimit.ToInt(),
	}
}

// Complete reports whether every limit the EntryPoint requires is present.
func (g *GasEstimation) Complete() bool {
	return g != nil && g.PreVerificationGas != nil && g.VerificationGasLimit != nil && g.CallGasLimit != nil
}

// GasFields converts the estimation for use with userop.WithGas. Fee caps
// are not part of an estimation and stay nil.
func (g *GasEstimation) GasFields() userop.GasFields {
	return userop.GasFields{
		CallGasLimit:                  g.CallGasLimit,
		VerificationGasLimit:          g.VerificationGasLimit,
		PreVerificationGas:            g.PreVerificationGas,
		PaymasterVerificationGasLimit: g.PaymasterVerificationGasLimit,
		PaymasterPostOpGasLimit:       g.PaymasterPostOpGasLimit,
	}
}

// Fees are per-gas price caps suggested by a provider.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

type feesJSON struct {
	MaxFeePerGas         *Quantity `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *Quantity `json:"maxPriorityFeePerGas"`
}

func (f *feesJSON) fees() (*Fees, error) {
	if f == nil || f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("incomplete fee suggestion")
	}
	return &Fees{MaxFeePerGas: f.MaxFeePerGas.ToInt(), MaxPriorityFeePerGas: f.MaxPriorityFeePerGas.ToInt()}, nil
}
