// Package userop models ERC-4337 user operations for EntryPoint v0.6 and
// v0.7. The two layouts are distinct types behind a sealed interface so a
// v0.6 field can never be set on a v0.7 operation and vice versa.
package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Version string

const (
	V06 Version = "v0.6"
	V07 Version = "v0.7"
)

var (
	ErrUnknownVersion           = errors.New("unknown entrypoint version")
	ErrPaymasterVersionMismatch = errors.New("paymaster fields do not match the operation version")

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

func ParseVersion(s string) (Version, error) {
	switch s {
	case "v0.6", "0.6", "v06", "0.6.0":
		return V06, nil
	case "v0.7", "0.7", "v07", "0.7.0":
		return V07, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVersion, s)
}

// Core holds the fields shared by both layouts.
type Core struct {
	Sender               common.Address
	Nonce                *big.Int
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Signature            []byte
}

// UserOperationV06 is the EntryPoint v0.6 layout.
type UserOperationV06 struct {
	Core
	InitCode         []byte
	PaymasterAndData []byte
}

// UserOperationV07 is the unpacked EntryPoint v0.7 layout. Factory and
// paymaster fields are optional groups.
type UserOperationV07 struct {
	Core
	Factory                       *common.Address
	FactoryData                   []byte
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
}

// UserOperation is implemented only by *UserOperationV06 and
// *UserOperationV07.
type UserOperation interface {
	Version() Version
	Base() *Core
	// IsDeploying reports whether the operation carries account creation data.
	IsDeploying() bool
	// IsSponsored reports whether a paymaster is attached.
	IsSponsored() bool
	Gas() GasFields
	Clone() UserOperation
	Validate() error

	sealed()
}

// GasFields are the gas limits and fee caps estimated for an operation.
// The paymaster limits only apply to v0.7.
type GasFields struct {
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// TotalGas sums every gas limit that the EntryPoint may charge for.
func (g GasFields) TotalGas() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{g.CallGasLimit, g.VerificationGasLimit, g.PreVerificationGas, g.PaymasterVerificationGasLimit, g.PaymasterPostOpGasLimit} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// PaymasterFields is what a sponsor hands back. Exactly one shape must be
// populated: PaymasterAndData for v0.6, Paymaster and friends for v0.7.
type PaymasterFields struct {
	PaymasterAndData []byte

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	// Gas is set when the sponsor re-estimated the operation. Nil fields are
	// left untouched.
	Gas *GasFields
}

// Version infers the layout the fields were produced for.
func (p *PaymasterFields) Version() (Version, error) {
	v06 := len(p.PaymasterAndData) > 0
	v07 := p.Paymaster != nil
	switch {
	case v06 && !v07:
		return V06, nil
	case v07 && !v06:
		return V07, nil
	case v06 && v07:
		return "", fmt.Errorf("%w: both v0.6 and v0.7 fields are set", ErrPaymasterVersionMismatch)
	}
	return "", fmt.Errorf("%w: no paymaster returned", ErrPaymasterVersionMismatch)
}

// New returns an empty operation of the given version with zeroed numbers.
func New(v Version, sender common.Address) (UserOperation, error) {
	core := Core{
		Sender:               sender,
		Nonce:                new(big.Int),
		CallData:             []byte{},
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		Signature:            []byte{},
	}
	switch v {
	case V06:
		return &UserOperationV06{Core: core, InitCode: []byte{}, PaymasterAndData: []byte{}}, nil
	case V07:
		return &UserOperationV07{Core: core}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, v)
}

func (op *UserOperationV06) Version() Version  { return V06 }
func (op *UserOperationV06) Base() *Core       { return &op.Core }
func (op *UserOperationV06) IsDeploying() bool { return len(op.InitCode) > 0 }
func (op *UserOperationV06) IsSponsored() bool { return len(op.PaymasterAndData) > 0 }
func (op *UserOperationV06) sealed()           {}

func (op *UserOperationV06) Gas() GasFields {
	return op.Core.gas()
}

func (op *UserOperationV06) Clone() UserOperation {
	return &UserOperationV06{
		Core:             op.Core.clone(),
		InitCode:         cloneBytes(op.InitCode),
		PaymasterAndData: cloneBytes(op.PaymasterAndData),
	}
}

func (op *UserOperationV06) Validate() error {
	if err := op.Core.validate(); err != nil {
		return err
	}
	if len(op.InitCode) > 0 && len(op.InitCode) < common.AddressLength {
		return fmt.Errorf("initCode is %d bytes, shorter than a factory address", len(op.InitCode))
	}
	if len(op.PaymasterAndData) > 0 && len(op.PaymasterAndData) < common.AddressLength {
		return fmt.Errorf("paymasterAndData is %d bytes, shorter than a paymaster address", len(op.PaymasterAndData))
	}
	return nil
}

func (op *UserOperationV07) Version() Version  { return V07 }
func (op *UserOperationV07) Base() *Core       { return &op.Core }
func (op *UserOperationV07) IsDeploying() bool { return op.Factory != nil }
func (op *UserOperationV07) IsSponsored() bool { return op.Paymaster != nil }
func (op *UserOperationV07) sealed()           {}

func (op *UserOperationV07) Gas() GasFields {
	g := op.Core.gas()
	g.PaymasterVerificationGasLimit = cloneInt(op.PaymasterVerificationGasLimit)
	g.PaymasterPostOpGasLimit = cloneInt(op.PaymasterPostOpGasLimit)
	return g
}

func (op *UserOperationV07) Clone() UserOperation {
	return &UserOperationV07{
		Core:                          op.Core.clone(),
		Factory:                       cloneAddress(op.Factory),
		FactoryData:                   cloneBytes(op.FactoryData),
		Paymaster:                     cloneAddress(op.Paymaster),
		PaymasterVerificationGasLimit: cloneInt(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       cloneInt(op.PaymasterPostOpGasLimit),
		PaymasterData:                 cloneBytes(op.PaymasterData),
	}
}

func (op *UserOperationV07) Validate() error {
	if err := op.Core.validate(); err != nil {
		return err
	}
	if (op.Factory == nil) != (len(op.FactoryData) == 0) {
		return errors.New("factory and factoryData must be set together")
	}
	if op.Paymaster == nil {
		if op.PaymasterVerificationGasLimit != nil || op.PaymasterPostOpGasLimit != nil || len(op.PaymasterData) > 0 {
			return errors.New("paymaster fields set without a paymaster address")
		}
	} else if op.PaymasterVerificationGasLimit == nil || op.PaymasterPostOpGasLimit == nil {
		return errors.New("paymaster gas limits are required when a paymaster is set")
	}
	// packed into 128-bit halves on chain
	for name, v := range map[string]*big.Int{
		"callGasLimit":                  op.CallGasLimit,
		"verificationGasLimit":          op.VerificationGasLimit,
		"maxFeePerGas":                  op.MaxFeePerGas,
		"maxPriorityFeePerGas":          op.MaxPriorityFeePerGas,
		"paymasterVerificationGasLimit": op.PaymasterVerificationGasLimit,
		"paymasterPostOpGasLimit":       op.PaymasterPostOpGasLimit,
	} {
		if v != nil && v.Cmp(maxUint128) > 0 {
			return fmt.Errorf("%s does not fit in 128 bits", name)
		}
	}
	return nil
}

// WithGas returns a copy of op with every non-nil field of g applied.
func WithGas(op UserOperation, g GasFields) UserOperation {
	out := op.Clone()
	core := out.Base()
	setIfPresent(&core.CallGasLimit, g.CallGasLimit)
	setIfPresent(&core.VerificationGasLimit, g.VerificationGasLimit)
	setIfPresent(&core.PreVerificationGas, g.PreVerificationGas)
	setIfPresent(&core.MaxFeePerGas, g.MaxFeePerGas)
	setIfPresent(&core.MaxPriorityFeePerGas, g.MaxPriorityFeePerGas)
	if v7, ok := out.(*UserOperationV07); ok && v7.Paymaster != nil {
		setIfPresent(&v7.PaymasterVerificationGasLimit, g.PaymasterVerificationGasLimit)
		setIfPresent(&v7.PaymasterPostOpGasLimit, g.PaymasterPostOpGasLimit)
	}
	return out
}

// WithPaymaster returns a copy of op carrying the sponsor's fields. The
// fields must have the same layout as the operation.
func WithPaymaster(op UserOperation, pm *PaymasterFields) (UserOperation, error) {
	if pm == nil {
		return nil, fmt.Errorf("%w: no paymaster returned", ErrPaymasterVersionMismatch)
	}
	v, err := pm.Version()
	if err != nil {
		return nil, err
	}
	if v != op.Version() {
		return nil, fmt.Errorf("%w: got %s fields for a %s operation", ErrPaymasterVersionMismatch, v, op.Version())
	}

	out := op.Clone()
	switch o := out.(type) {
	case *UserOperationV06:
		o.PaymasterAndData = cloneBytes(pm.PaymasterAndData)
	case *UserOperationV07:
		o.Paymaster = cloneAddress(pm.Paymaster)
		o.PaymasterData = cloneBytes(pm.PaymasterData)
		if o.PaymasterData == nil {
			o.PaymasterData = []byte{}
		}
		o.PaymasterVerificationGasLimit = orZero(pm.PaymasterVerificationGasLimit)
		o.PaymasterPostOpGasLimit = orZero(pm.PaymasterPostOpGasLimit)
	}
	if pm.Gas != nil {
		out = WithGas(out, *pm.Gas)
	}
	return out, nil
}

// WithSignature returns a copy of op carrying sig.
func WithSignature(op UserOperation, sig []byte) UserOperation {
	out := op.Clone()
	out.Base().Signature = cloneBytes(sig)
	return out
}

func (c *Core) gas() GasFields {
	return GasFields{
		CallGasLimit:         cloneInt(c.CallGasLimit),
		VerificationGasLimit: cloneInt(c.VerificationGasLimit),
		PreVerificationGas:   cloneInt(c.PreVerificationGas),
		MaxFeePerGas:         cloneInt(c.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneInt(c.MaxPriorityFeePerGas),
	}
}

func (c *Core) clone() Core {
	return Core{
		Sender:               c.Sender,
		Nonce:                cloneInt(c.Nonce),
		CallData:             cloneBytes(c.CallData),
		CallGasLimit:         cloneInt(c.CallGasLimit),
		VerificationGasLimit: cloneInt(c.VerificationGasLimit),
		PreVerificationGas:   cloneInt(c.PreVerificationGas),
		MaxFeePerGas:         cloneInt(c.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneInt(c.MaxPriorityFeePerGas),
		Signature:            cloneBytes(c.Signature),
	}
}

func (c *Core) validate() error {
	if c.Sender == (common.Address{}) {
		return errors.New("sender is the zero address")
	}
	for name, v := range map[string]*big.Int{
		"nonce":                c.Nonce,
		"callGasLimit":         c.CallGasLimit,
		"verificationGasLimit": c.VerificationGasLimit,
		"preVerificationGas":   c.PreVerificationGas,
		"maxFeePerGas":         c.MaxFeePerGas,
		"maxPriorityFeePerGas": c.MaxPriorityFeePerGas,
	} {
		if v != nil && v.Sign() < 0 {
			return fmt.Errorf("%s is negative", name)
		}
	}
	if len(c.Signature) != 0 && len(c.Signature) != 65 {
		return fmt.Errorf("signature is %d bytes, expected 65", len(c.Signature))
	}
	return nil
}

func setIfPresent(dst **big.Int, v *big.Int) {
	if v != nil {
		*dst = new(big.Int).Set(v)
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneAddress(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
