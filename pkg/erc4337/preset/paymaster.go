package preset

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-gasless/core/chainio/aa"
	"github.com/AvaProtocol/ap-gasless/core/chainio/signer"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

var (
	uint48T, _  = abi.NewType("uint48", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	addressT, _ = abi.NewType("address", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	validityArgs = abi.Arguments{{Type: uint48T}, {Type: uint48T}}

	// VerifyingPaymaster.getHash for EntryPoint v0.6
	paymasterHashV06Args = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak(initCode)
		{Type: bytes32T}, // keccak(callData)
		{Type: uint256T}, // callGasLimit
		{Type: uint256T}, // verificationGasLimit
		{Type: uint256T}, // preVerificationGas
		{Type: uint256T}, // maxFeePerGas
		{Type: uint256T}, // maxPriorityFeePerGas
		{Type: uint256T}, // chainid
		{Type: addressT}, // paymaster
		{Type: uint256T}, // senderNonce[sender]
		{Type: uint48T},  // validUntil
		{Type: uint48T},  // validAfter
	}

	// VerifyingPaymaster.getHash for EntryPoint v0.7
	paymasterHashV07Args = abi.Arguments{
		{Type: addressT}, // sender
		{Type: uint256T}, // nonce
		{Type: bytes32T}, // keccak(initCode)
		{Type: bytes32T}, // keccak(callData)
		{Type: bytes32T}, // accountGasLimits
		{Type: uint256T}, // paymaster validation and postOp gas limits
		{Type: uint256T}, // preVerificationGas
		{Type: bytes32T}, // gasFees
		{Type: uint256T}, // chainid
		{Type: addressT}, // paymaster
		{Type: uint48T},  // validUntil
		{Type: uint48T},  // validAfter
	}

	paymasterABI = mustParsePaymasterABI(`[{"type":"function","name":"senderNonce","stateMutability":"view",
		"inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`)
)

func mustParsePaymasterABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Use a larger negative skew to tolerate clock drift between services and the bundler
const validAfterSkew = 2 * time.Minute

// VerifyingPaymaster sponsors operations through a self-hosted
// eth-infinitism VerifyingPaymaster: the hash the contract checks is
// computed locally and signed with the paymaster's verifying key.
type VerifyingPaymaster struct {
	address  common.Address
	key      *ecdsa.PrivateKey
	reader   aa.ChainReader
	validity time.Duration
	now      func() time.Time
}

// NewVerifyingPaymaster needs reader only for v0.6, whose hash includes the
// contract's per-sender nonce.
func NewVerifyingPaymaster(address common.Address, key *ecdsa.PrivateKey, reader aa.ChainReader, validity time.Duration) *VerifyingPaymaster {
	return &VerifyingPaymaster{
		address:  address,
		key:      key,
		reader:   reader,
		validity: validity,
		now:      time.Now,
	}
}

func (p *VerifyingPaymaster) Name() string { return "verifying-paymaster" }

func (p *VerifyingPaymaster) SponsorUserOperation(ctx context.Context, req *bundler.SponsorRequest) (*userop.PaymasterFields, error) {
	now := p.now().Unix()
	validAfter := big.NewInt(now - int64(validAfterSkew.Seconds()))
	validUntil := big.NewInt(now + int64(p.validity.Seconds()))

	validity, err := validityArgs.Pack(validUntil, validAfter)
	if err != nil {
		return nil, err
	}

	switch op := req.Op.(type) {
	case *userop.UserOperationV06:
		senderNonce, err := p.senderNonce(ctx, op.Sender)
		if err != nil {
			return nil, err
		}
		hash, err := p.HashV06(op, req.ChainID, senderNonce, validUntil, validAfter)
		if err != nil {
			return nil, err
		}
		sig, err := signer.SignMessage(p.key, hash.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to sign paymaster hash: %w", err)
		}
		// address(20) + abi.encode(uint48,uint48)(64) + signature(65)
		pmd := append(p.address.Bytes(), validity...)
		return &userop.PaymasterFields{PaymasterAndData: append(pmd, sig...)}, nil

	case *userop.UserOperationV07:
		pmVGL := new(big.Int).Set(DEFAULT_PAYMASTER_VERIFICATION_GAS_LIMIT)
		pmPostOp := new(big.Int).Set(DEFAULT_PAYMASTER_POST_OP_GAS_LIMIT)
		hash, err := p.HashV07(op, req.ChainID, pmVGL, pmPostOp, validUntil, validAfter)
		if err != nil {
			return nil, err
		}
		sig, err := signer.SignMessage(p.key, hash.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to sign paymaster hash: %w", err)
		}
		address := p.address
		return &userop.PaymasterFields{
			Paymaster:                     &address,
			PaymasterVerificationGasLimit: pmVGL,
			PaymasterPostOpGasLimit:       pmPostOp,
			PaymasterData:                 append(validity, sig...),
		}, nil
	}
	return nil, fmt.Errorf("%w: %T", userop.ErrUnknownVersion, req.Op)
}

// HashV06 mirrors VerifyingPaymaster.getHash for EntryPoint v0.6.
func (p *VerifyingPaymaster) HashV06(op *userop.UserOperationV06, chainID, senderNonce, validUntil, validAfter *big.Int) (common.Hash, error) {
	encoded, err := paymasterHashV06Args.Pack(
		op.Sender,
		zeroIfNil(op.Nonce),
		[32]byte(crypto.Keccak256Hash(op.InitCode)),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		zeroIfNil(op.CallGasLimit),
		zeroIfNil(op.VerificationGasLimit),
		zeroIfNil(op.PreVerificationGas),
		zeroIfNil(op.MaxFeePerGas),
		zeroIfNil(op.MaxPriorityFeePerGas),
		zeroIfNil(chainID),
		p.address,
		zeroIfNil(senderNonce),
		validUntil,
		validAfter,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode paymaster hash: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// HashV07 mirrors VerifyingPaymaster.getHash for EntryPoint v0.7. The
// paymaster gas limits are signed, the paymaster data is not.
func (p *VerifyingPaymaster) HashV07(op *userop.UserOperationV07, chainID, pmVGL, pmPostOp, validUntil, validAfter *big.Int) (common.Hash, error) {
	packed := op.Pack()
	pmGas := new(big.Int).Lsh(zeroIfNil(pmVGL), 128)
	pmGas.Or(pmGas, zeroIfNil(pmPostOp))

	encoded, err := paymasterHashV07Args.Pack(
		packed.Sender,
		packed.Nonce,
		[32]byte(crypto.Keccak256Hash(packed.InitCode)),
		[32]byte(crypto.Keccak256Hash(packed.CallData)),
		packed.AccountGasLimits,
		pmGas,
		packed.PreVerificationGas,
		packed.GasFees,
		zeroIfNil(chainID),
		p.address,
		validUntil,
		validAfter,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode paymaster hash: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func (p *VerifyingPaymaster) senderNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	calldata, err := paymasterABI.Pack("senderNonce", sender)
	if err != nil {
		return nil, err
	}
	out, err := p.reader.CallContract(ctx, ethereum.CallMsg{To: &p.address, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("paymaster senderNonce: %w", err)
	}
	values, err := paymasterABI.Unpack("senderNonce", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("paymaster senderNonce: cannot decode %x", out)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("paymaster senderNonce returned %T", values[0])
	}
	return nonce, nil
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
