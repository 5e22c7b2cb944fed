package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	v06HashArgs = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak(initCode)
		{Type: bytes32T}, // keccak(callData)
		{Type: uint256T}, // callGasLimit
		{Type: uint256T}, // verificationGasLimit
		{Type: uint256T}, // preVerificationGas
		{Type: uint256T}, // maxFeePerGas
		{Type: uint256T}, // maxPriorityFeePerGas
		{Type: bytes32T}, // keccak(paymasterAndData)
	}

	v07HashArgs = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak(initCode)
		{Type: bytes32T}, // keccak(callData)
		{Type: bytes32T}, // accountGasLimits
		{Type: uint256T}, // preVerificationGas
		{Type: bytes32T}, // gasFees
		{Type: bytes32T}, // keccak(paymasterAndData)
	}

	domainArgs = abi.Arguments{
		{Type: bytes32T},
		{Type: addressT},
		{Type: uint256T},
	}
)

// PackedUserOperation is the on-chain v0.7 representation.
type PackedUserOperation struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// Pack folds the optional factory and paymaster groups and the 128-bit gas
// pairs into the packed layout.
func (op *UserOperationV07) Pack() *PackedUserOperation {
	var initCode []byte
	if op.Factory != nil {
		initCode = append(op.Factory.Bytes(), op.FactoryData...)
	}

	var paymasterAndData []byte
	if op.Paymaster != nil {
		paymasterAndData = append(paymasterAndData, op.Paymaster.Bytes()...)
		paymasterAndData = append(paymasterAndData, uint128Bytes(op.PaymasterVerificationGasLimit)...)
		paymasterAndData = append(paymasterAndData, uint128Bytes(op.PaymasterPostOpGasLimit)...)
		paymasterAndData = append(paymasterAndData, op.PaymasterData...)
	}

	return &PackedUserOperation{
		Sender:             op.Sender,
		Nonce:              orZero(op.Nonce),
		InitCode:           initCode,
		CallData:           cloneBytes(op.CallData),
		AccountGasLimits:   packUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
		PreVerificationGas: orZero(op.PreVerificationGas),
		GasFees:            packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		PaymasterAndData:   paymasterAndData,
		Signature:          cloneBytes(op.Signature),
	}
}

// Hash computes the user operation hash the EntryPoint at entryPoint on
// chainID would compute. The signature is never part of the hash.
func Hash(op UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	inner := crypto.Keccak256Hash(encodeForHash(op))
	encoded, err := domainArgs.Pack([32]byte(inner), entryPoint, orZero(chainID))
	if err != nil {
		// static types only; Pack cannot fail here
		panic(err)
	}
	return crypto.Keccak256Hash(encoded)
}

func encodeForHash(op UserOperation) []byte {
	var (
		encoded []byte
		err     error
	)
	switch o := op.(type) {
	case *UserOperationV06:
		encoded, err = v06HashArgs.Pack(
			o.Sender,
			orZero(o.Nonce),
			[32]byte(crypto.Keccak256Hash(o.InitCode)),
			[32]byte(crypto.Keccak256Hash(o.CallData)),
			orZero(o.CallGasLimit),
			orZero(o.VerificationGasLimit),
			orZero(o.PreVerificationGas),
			orZero(o.MaxFeePerGas),
			orZero(o.MaxPriorityFeePerGas),
			[32]byte(crypto.Keccak256Hash(o.PaymasterAndData)),
		)
	case *UserOperationV07:
		p := o.Pack()
		encoded, err = v07HashArgs.Pack(
			p.Sender,
			p.Nonce,
			[32]byte(crypto.Keccak256Hash(p.InitCode)),
			[32]byte(crypto.Keccak256Hash(p.CallData)),
			p.AccountGasLimits,
			p.PreVerificationGas,
			p.GasFees,
			[32]byte(crypto.Keccak256Hash(p.PaymasterAndData)),
		)
	}
	if err != nil {
		panic(err)
	}
	return encoded
}

// packUint128Pair places hi in the upper and lo in the lower 16 bytes.
func packUint128Pair(hi, lo *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], uint128Bytes(hi))
	copy(out[16:], uint128Bytes(lo))
	return out
}

// uint128Bytes truncates to 128 bits like a solidity uint128 cast.
// Validate rejects values that would be truncated.
func uint128Bytes(v *big.Int) []byte {
	out := make([]byte, 16)
	if v == nil {
		return out
	}
	new(big.Int).And(v, maxUint128).FillBytes(out)
	return out
}
