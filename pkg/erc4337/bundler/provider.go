package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

var ErrFeeOracleUnsupported = errors.New("provider does not suggest user operation fees")

// Provider is the uniform surface over one vendor's bundler and paymaster
// endpoints. Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	EstimateUserOperationGas(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (*GasEstimation, error)
	SendUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	// GetUserOperationReceipt returns nil, nil while the operation is not
	// yet included.
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error)
	GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	Sponsor
}

// Sponsor attaches paymaster data to an operation. A refusal is reported as
// nil fields with a nil error.
type Sponsor interface {
	SponsorUserOperation(ctx context.Context, req *SponsorRequest) (*userop.PaymasterFields, error)
}

// FeeOracle is implemented by providers that publish their own fee floor.
type FeeOracle interface {
	UserOperationGasPrice(ctx context.Context) (*Fees, error)
}

type SponsorRequest struct {
	Op             userop.UserOperation
	EntryPoint     common.Address
	ChainID        *big.Int
	PolicyID       string
	DummySignature []byte
}

// TransactionReceipt is the subset of the bundle transaction receipt the
// engine reads.
type TransactionReceipt struct {
	TransactionHash common.Hash `json:"transactionHash"`
	BlockHash       common.Hash `json:"blockHash"`
	BlockNumber     *Quantity   `json:"blockNumber"`
	GasUsed         *Quantity   `json:"gasUsed"`
	Status          *Quantity   `json:"status"`
}

type UserOperationReceipt struct {
	UserOpHash    common.Hash         `json:"userOpHash"`
	EntryPoint    common.Address      `json:"entryPoint"`
	Sender        common.Address      `json:"sender"`
	Nonce         *Quantity           `json:"nonce"`
	Paymaster     common.Address      `json:"paymaster"`
	ActualGasCost *Quantity           `json:"actualGasCost"`
	ActualGasUsed *Quantity           `json:"actualGasUsed"`
	Success       bool                `json:"success"`
	Reason        string              `json:"reason"`
	Logs          []json.RawMessage   `json:"logs"`
	Receipt       *TransactionReceipt `json:"receipt"`
}

func (r *UserOperationReceipt) TransactionHash() common.Hash {
	if r.Receipt == nil {
		return common.Hash{}
	}
	return r.Receipt.TransactionHash
}

func (r *UserOperationReceipt) BlockNumber() *big.Int {
	if r.Receipt == nil {
		return nil
	}
	return r.Receipt.BlockNumber.ToInt()
}

type UserOperationByHash struct {
	UserOperation   userop.UserOperation
	EntryPoint      common.Address
	TransactionHash common.Hash
	BlockHash       common.Hash
	BlockNumber     *big.Int
}

func (u *UserOperationByHash) UnmarshalJSON(data []byte) error {
	var w struct {
		UserOperation   json.RawMessage `json:"userOperation"`
		EntryPoint      common.Address  `json:"entryPoint"`
		TransactionHash common.Hash     `json:"transactionHash"`
		BlockHash       common.Hash     `json:"blockHash"`
		BlockNumber     *Quantity       `json:"blockNumber"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op, err := userop.DecodeJSON(w.UserOperation)
	if err != nil {
		return &json.UnmarshalTypeError{Value: "userOperation", Type: bigT, Field: err.Error()}
	}
	*u = UserOperationByHash{
		UserOperation:   op,
		EntryPoint:      w.EntryPoint,
		TransactionHash: w.TransactionHash,
		BlockHash:       w.BlockHash,
		BlockNumber:     w.BlockNumber.ToInt(),
	}
	return nil
}

// standard ERC-4337 eth_ namespace, shared by every vendor

func (b *Bundler) Name() string { return b.name }

func (b *Bundler) EstimateUserOperationGas(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (*GasEstimation, error) {
	var result *gasEstimationJSON
	if err := b.bundler.Call(ctx, &result, "eth_estimateUserOperationGas", op, entryPoint.Hex()); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, b.malformed("eth_estimateUserOperationGas", "null estimation")
	}
	est := result.estimation()
	if !est.Complete() {
		return nil, b.malformed("eth_estimateUserOperationGas", "estimation is missing gas limits")
	}
	return est, nil
}

func (b *Bundler) SendUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	// Some bundlers require the EIP-55 checksummed EntryPoint
	if err := b.bundler.Call(ctx, &hash, "eth_sendUserOperation", op, entryPoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *Bundler) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	if err := b.bundler.Call(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (b *Bundler) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	var result *UserOperationByHash
	if err := b.bundler.Call(ctx, &result, "eth_getUserOperationByHash", hash); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Bundler) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := b.bundler.Call(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

func (b *Bundler) UserOperationGasPrice(ctx context.Context) (*Fees, error) {
	if b.fees == nil {
		return nil, ErrFeeOracleUnsupported
	}
	return b.fees(ctx, b)
}

func (b *Bundler) SponsorUserOperation(ctx context.Context, req *SponsorRequest) (*userop.PaymasterFields, error) {
	if b.paymaster == nil {
		return nil, nil
	}
	fields, err := b.sponsor(ctx, b, req)
	if err != nil {
		if isSponsorshipRefusal(err) {
			return nil, nil
		}
		return nil, err
	}
	return fields, nil
}

func (b *Bundler) Close() {
	b.bundler.Close()
	if b.paymaster != nil && b.paymaster != b.bundler {
		b.paymaster.Close()
	}
}

func (b *Bundler) malformed(method, reason string) error {
	return &aaerrors.TransportError{Provider: b.name, Method: method, Malformed: true, Err: errors.New(reason)}
}

func (b *Bundler) String() string {
	return fmt.Sprintf("%s(%s)", b.name, b.bundler.url)
}
