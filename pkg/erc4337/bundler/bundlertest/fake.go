// Package bundlertest provides an in-memory bundler.Provider for tests.
package bundlertest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

// Provider answers every call from its fields. The zero value estimates
// nothing, accepts every operation and never includes it.
type Provider struct {
	mu sync.Mutex

	ProviderName string
	ChainID      *big.Int

	Estimation  *bundler.GasEstimation
	EstimateErr error

	// SendHash overrides the hash returned by SendUserOperation. By default
	// the provider echoes the locally computed hash.
	SendHash *common.Hash
	SendErr  error

	// ReceiptFunc is called with the 1-based poll attempt.
	ReceiptFunc func(attempt int) (*bundler.UserOperationReceipt, error)

	SponsorFunc func(req *bundler.SponsorRequest) (*userop.PaymasterFields, error)

	// Fees nil means the provider has no fee oracle.
	Fees *bundler.Fees

	EntryPoints []common.Address

	sent     []userop.UserOperation
	byHash   map[common.Hash]userop.UserOperation
	estimate []userop.UserOperation
	sponsor  []*bundler.SponsorRequest
	polls    int
}

func New(name string, chainID uint64) *Provider {
	return &Provider{ProviderName: name, ChainID: new(big.Int).SetUint64(chainID)}
}

func (p *Provider) Name() string { return p.ProviderName }

func (p *Provider) EstimateUserOperationGas(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (*bundler.GasEstimation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimate = append(p.estimate, op.Clone())
	if p.EstimateErr != nil {
		return nil, p.EstimateErr
	}
	if p.Estimation == nil {
		return &bundler.GasEstimation{
			PreVerificationGas:   big.NewInt(45000),
			VerificationGasLimit: big.NewInt(150000),
			CallGasLimit:         big.NewInt(60000),
		}, nil
	}
	return p.Estimation, nil
}

func (p *Provider) SendUserOperation(ctx context.Context, op userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, op.Clone())
	if p.SendErr != nil {
		return common.Hash{}, p.SendErr
	}
	hash := userop.Hash(op, entryPoint, p.ChainID)
	if p.byHash == nil {
		p.byHash = map[common.Hash]userop.UserOperation{}
	}
	p.byHash[hash] = op.Clone()
	if p.SendHash != nil {
		return *p.SendHash, nil
	}
	return hash, nil
}

func (p *Provider) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*bundler.UserOperationReceipt, error) {
	p.mu.Lock()
	p.polls++
	attempt, fn := p.polls, p.ReceiptFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	receipt, err := fn(attempt)
	if receipt != nil && receipt.UserOpHash == (common.Hash{}) {
		receipt.UserOpHash = hash
	}
	return receipt, err
}

func (p *Provider) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*bundler.UserOperationByHash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if op, ok := p.byHash[hash]; ok {
		return &bundler.UserOperationByHash{UserOperation: op.Clone()}, nil
	}
	return nil, nil
}

func (p *Provider) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	return p.EntryPoints, nil
}

func (p *Provider) SponsorUserOperation(ctx context.Context, req *bundler.SponsorRequest) (*userop.PaymasterFields, error) {
	p.mu.Lock()
	p.sponsor = append(p.sponsor, req)
	fn := p.SponsorFunc
	p.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(req)
}

func (p *Provider) UserOperationGasPrice(ctx context.Context) (*bundler.Fees, error) {
	if p.Fees == nil {
		return nil, bundler.ErrFeeOracleUnsupported
	}
	return p.Fees, nil
}

func (p *Provider) Sent() []userop.UserOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]userop.UserOperation{}, p.sent...)
}

func (p *Provider) Estimated() []userop.UserOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]userop.UserOperation{}, p.estimate...)
}

func (p *Provider) SponsorRequests() []*bundler.SponsorRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*bundler.SponsorRequest{}, p.sponsor...)
}

func (p *Provider) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// IncludedAfter returns a ReceiptFunc that reports nothing for n-1 polls and
// then a successful receipt.
func IncludedAfter(n int, txHash common.Hash) func(int) (*bundler.UserOperationReceipt, error) {
	return func(attempt int) (*bundler.UserOperationReceipt, error) {
		if attempt < n {
			return nil, nil
		}
		return Receipt(true, "", txHash), nil
	}
}

// Receipt builds a minimal receipt included in block 100.
func Receipt(success bool, reason string, txHash common.Hash) *bundler.UserOperationReceipt {
	block := bundler.Quantity(*big.NewInt(100))
	gasUsed := bundler.Quantity(*big.NewInt(90000))
	cost := bundler.Quantity(*big.NewInt(1_800_000_000_000_000))
	return &bundler.UserOperationReceipt{
		Success:       success,
		Reason:        reason,
		ActualGasUsed: &gasUsed,
		ActualGasCost: &cost,
		Receipt: &bundler.TransactionReceipt{
			TransactionHash: txHash,
			BlockNumber:     &block,
			GasUsed:         &gasUsed,
		},
	}
}
