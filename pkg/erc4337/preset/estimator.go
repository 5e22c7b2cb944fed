package preset

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/metrics"
	"github.com/AvaProtocol/ap-gasless/pkg/eip1559"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

var (
	// Conservative limits used when the bundler cannot estimate. They are
	// fixed values, not derived from chain state.
	DEFAULT_CALL_GAS_LIMIT         = big.NewInt(200000)  // 200K for smart wallet execute + ETH transfer
	DEFAULT_VERIFICATION_GAS_LIMIT = big.NewInt(1000000) // 1M for signature verification + paymaster validation
	DEFAULT_PREVERIFICATION_GAS    = big.NewInt(50000)   // 50K for bundler overhead

	// Factory execution, proxy deployment and initialization on top of
	// validateUserOp. Observed AA95 on Sepolia with 2.4M.
	DEPLOYMENT_VERIFICATION_GAS_LIMIT = big.NewInt(3000000)

	DEFAULT_PAYMASTER_VERIFICATION_GAS_LIMIT = big.NewInt(300000)
	DEFAULT_PAYMASTER_POST_OP_GAS_LIMIT      = big.NewInt(50000)

	DEFAULT_MAX_FEE_PER_GAS          = big.NewInt(20_000_000_000) // 20 gwei
	DEFAULT_MAX_PRIORITY_FEE_PER_GAS = big.NewInt(2_000_000_000)  // 2 gwei

	// the signature isnt important, only that it parses as an ECDSA signature
	DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

// FallbackGas returns the fixed estimate used for op when the bundler fails.
func FallbackGas(op userop.UserOperation) userop.GasFields {
	vgl := DEFAULT_VERIFICATION_GAS_LIMIT
	if op.IsDeploying() {
		vgl = DEPLOYMENT_VERIFICATION_GAS_LIMIT
	}
	return userop.GasFields{
		CallGasLimit:                  new(big.Int).Set(DEFAULT_CALL_GAS_LIMIT),
		VerificationGasLimit:          new(big.Int).Set(vgl),
		PreVerificationGas:            new(big.Int).Set(DEFAULT_PREVERIFICATION_GAS),
		MaxFeePerGas:                  new(big.Int).Set(DEFAULT_MAX_FEE_PER_GAS),
		MaxPriorityFeePerGas:          new(big.Int).Set(DEFAULT_MAX_PRIORITY_FEE_PER_GAS),
		PaymasterVerificationGasLimit: new(big.Int).Set(DEFAULT_PAYMASTER_VERIFICATION_GAS_LIMIT),
		PaymasterPostOpGasLimit:       new(big.Int).Set(DEFAULT_PAYMASTER_POST_OP_GAS_LIMIT),
	}
}

// Estimation is a complete set of gas fields and where they came from.
type Estimation struct {
	Gas userop.GasFields
	// Fallback is true when the bundler failed and FallbackGas limits are used.
	Fallback bool
	// FeeSource is "provider", "chain" or "fallback".
	FeeSource string
	// Err is the bundler failure that triggered the fallback.
	Err error
}

// Estimator fills gas limits from the bundler and fee caps from the
// provider's oracle or the chain.
type Estimator struct {
	fees    eip1559.FeeReader
	metrics metrics.Recorder
	logger  logger.Logger
}

// NewEstimator accepts a nil fees reader; fee caps then come from the
// provider or the fixed fallback.
func NewEstimator(fees eip1559.FeeReader, m metrics.Recorder, log logger.Logger) *Estimator {
	return &Estimator{fees: fees, metrics: metrics.Ensure(m), logger: logger.EnsureLogger(log)}
}

// Estimate never fails on a bundler error: the fixed fallback limits are
// returned instead and Estimation.Fallback is set.
func (e *Estimator) Estimate(ctx context.Context, op userop.UserOperation, provider bundler.Provider, entryPoint common.Address) *Estimation {
	est, err := e.estimate(ctx, op, provider, entryPoint)
	if err == nil {
		return est
	}

	e.metrics.IncEstimationFallback(provider.Name())
	e.logger.Warn("bundler gas estimation failed, using fallback limits",
		"provider", provider.Name(),
		"sender", op.Base().Sender.Hex(),
		"error", err)

	fallback := FallbackGas(op)
	if est != nil {
		fallback.MaxFeePerGas = est.Gas.MaxFeePerGas
		fallback.MaxPriorityFeePerGas = est.Gas.MaxPriorityFeePerGas
		return &Estimation{Gas: fallback, Fallback: true, FeeSource: est.FeeSource, Err: err}
	}
	return &Estimation{Gas: fallback, Fallback: true, FeeSource: "fallback", Err: err}
}

// EstimateStrict propagates the bundler error. Used for gas quotes where a
// made-up number would be misleading.
func (e *Estimator) EstimateStrict(ctx context.Context, op userop.UserOperation, provider bundler.Provider, entryPoint common.Address) (*Estimation, error) {
	est, err := e.estimate(ctx, op, provider, entryPoint)
	if err != nil {
		return nil, err
	}
	return est, nil
}

// estimate returns the fee part even when the limits call fails.
func (e *Estimator) estimate(ctx context.Context, op userop.UserOperation, provider bundler.Provider, entryPoint common.Address) (*Estimation, error) {
	maxFee, tip, source := e.suggestFees(ctx, provider)
	feesOnly := &Estimation{
		Gas:       userop.GasFields{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip},
		FeeSource: source,
	}

	draft := userop.WithGas(op, feesOnly.Gas)
	if len(draft.Base().Signature) == 0 {
		draft = userop.WithSignature(draft, DummySignature)
	}

	limits, err := provider.EstimateUserOperationGas(ctx, draft, entryPoint)
	if err != nil {
		return feesOnly, err
	}

	// bundler values are used verbatim, they enforce their own minimums
	gas := limits.GasFields()
	gas.MaxFeePerGas = maxFee
	gas.MaxPriorityFeePerGas = tip
	return &Estimation{Gas: gas, FeeSource: source}, nil
}

func (e *Estimator) suggestFees(ctx context.Context, provider bundler.Provider) (*big.Int, *big.Int, string) {
	if oracle, ok := provider.(bundler.FeeOracle); ok {
		fees, err := oracle.UserOperationGasPrice(ctx)
		if err == nil {
			return fees.MaxFeePerGas, fees.MaxPriorityFeePerGas, "provider"
		}
		if !errors.Is(err, bundler.ErrFeeOracleUnsupported) {
			e.logger.Warn("provider fee suggestion failed", "provider", provider.Name(), "error", err)
		}
	}

	if e.fees != nil {
		maxFee, tip, err := eip1559.SuggestFee(ctx, e.fees)
		if err == nil {
			return maxFee, tip, "chain"
		}
		e.logger.Warn("chain fee suggestion failed, using fallback fees", "error", err)
	}

	return new(big.Int).Set(DEFAULT_MAX_FEE_PER_GAS), new(big.Int).Set(DEFAULT_MAX_PRIORITY_FEE_PER_GAS), "fallback"
}
