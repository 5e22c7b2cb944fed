// Package lifecycle drives a user operation from a list of calls to a
// terminal on-chain outcome: resolve, build, estimate, sponsor, sign,
// submit, poll.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-gasless/core/chainio/aa"
	"github.com/AvaProtocol/ap-gasless/core/chainio/signer"
	"github.com/AvaProtocol/ap-gasless/core/repository"
	"github.com/AvaProtocol/ap-gasless/metrics"
	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/eip1559"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
	"github.com/AvaProtocol/ap-gasless/pkg/timekeeper"
)

// ChainClient is the read-only chain access of one network. *ethclient.Client
// satisfies it.
type ChainClient interface {
	aa.ChainReader
	eip1559.FeeReader
}

// Chain is the static description of one supported network.
type Chain struct {
	ChainID      uint64
	EntryPoint   preset.EntryPoint
	Factory      common.Address
	AccountType  model.AccountType
	InitCodeHash common.Hash
	DefaultSalt  *big.Int
	Client       ChainClient
	// Paymaster, when set, sponsors instead of the request's provider.
	Paymaster bundler.Sponsor
}

type chainRuntime struct {
	Chain
	resolver  *aa.Resolver
	builder   *preset.Builder
	estimator *preset.Estimator
}

type Options struct {
	Poll     PollConfig
	Policies *preset.PolicySet
	Cache    *bigcache.BigCache
	Metrics  metrics.Recorder
	Logger   logger.Logger
}

// Engine is safe for concurrent use. Calls for different accounts share
// nothing but the descriptor cache. Calls for the same account are not
// serialized: two in flight read the same nonce and one fails on chain.
type Engine struct {
	chains       map[uint64]*chainRuntime
	accounts     *repository.AccountRepository
	transactions *repository.TransactionRepository
	negotiator   *preset.Negotiator
	controller   *Controller
	metrics      metrics.Recorder
	logger       logger.Logger
}

func NewEngine(chains []Chain, accounts *repository.AccountRepository, transactions *repository.TransactionRepository, opts Options) (*Engine, error) {
	if accounts == nil || transactions == nil {
		return nil, errors.New("engine requires account and transaction repositories")
	}
	m := metrics.Ensure(opts.Metrics)
	log := logger.EnsureLogger(opts.Logger)

	e := &Engine{
		chains:       map[uint64]*chainRuntime{},
		accounts:     accounts,
		transactions: transactions,
		negotiator:   preset.NewNegotiator(opts.Policies, m, log),
		controller:   NewController(opts.Poll, m, log),
		metrics:      m,
		logger:       log,
	}
	for _, c := range chains {
		if _, ok := e.chains[c.ChainID]; ok {
			return nil, fmt.Errorf("chain %d is configured twice", c.ChainID)
		}
		if c.Client == nil {
			return nil, fmt.Errorf("chain %d has no client", c.ChainID)
		}
		if c.DefaultSalt == nil {
			c.DefaultSalt = new(big.Int)
		}
		e.chains[c.ChainID] = &chainRuntime{
			Chain:     c,
			resolver:  aa.NewResolver(c.Client, opts.Cache, log),
			builder:   preset.NewBuilder(c.Client, log),
			estimator: preset.NewEstimator(c.Client, m, log),
		}
	}
	return e, nil
}

func (e *Engine) Controller() *Controller { return e.controller }

func (e *Engine) Transactions() *repository.TransactionRepository { return e.transactions }

func (e *Engine) chain(chainID uint64) (*chainRuntime, error) {
	c, ok := e.chains[chainID]
	if !ok {
		return nil, &aaerrors.ValidationError{Field: "chain_id", Reason: fmt.Sprintf("%s: %d", ReasonUnknownChain, chainID)}
	}
	return c, nil
}

func (c *chainRuntime) params(owner common.Address, salt *big.Int) aa.AccountParams {
	return aa.AccountParams{
		ChainID:      c.ChainID,
		Owner:        owner,
		Factory:      c.Factory,
		Salt:         salt,
		AccountType:  c.AccountType,
		InitCodeHash: c.InitCodeHash,
	}
}

// ResolveAccount returns the owner's account on chainID. The first call
// registers the account with salt (or the chain default); later calls reuse
// the registered salt and reject a different explicit one.
func (e *Engine) ResolveAccount(ctx context.Context, chainID uint64, owner common.Address, salt *big.Int) (*model.SmartAccount, error) {
	return e.resolveAccount(ctx, chainID, owner, salt, true)
}

// resolveAccount only writes to the account repository when register is set.
func (e *Engine) resolveAccount(ctx context.Context, chainID uint64, owner common.Address, salt *big.Int, register bool) (*model.SmartAccount, error) {
	c, err := e.chain(chainID)
	if err != nil {
		return nil, err
	}
	if owner == (common.Address{}) {
		return nil, &aaerrors.ValidationError{Field: "owner", Reason: "is the zero address"}
	}

	stored, err := e.accounts.Find(owner, chainID)
	switch {
	case err == nil:
		if salt != nil && salt.Cmp(stored.Salt) != 0 {
			return nil, &aaerrors.ValidationError{Field: "salt", Reason: ReasonSaltMismatch}
		}
		// the registered address survives a cold cache even with the chain down
		account, err := c.resolver.ResolveKnown(ctx, c.params(owner, stored.Salt), stored.Address)
		if err != nil {
			return nil, err
		}
		if account.Address != stored.Address {
			return nil, fmt.Errorf("account of %s resolved to %s but %s is registered", owner.Hex(), account.Address.Hex(), stored.Address.Hex())
		}
		if stored.IsDeployed {
			account.IsDeployed = true
		} else if account.IsDeployed && register {
			if err := e.accounts.Update(account); err != nil {
				e.logger.Warn("cannot record account deployment", "account", account.Address.Hex(), "error", err)
			}
		}
		return account, nil

	case errors.Is(err, repository.ErrNotFound):
		explicit := salt != nil
		if !explicit {
			salt = c.DefaultSalt
		}
		account, err := c.resolver.Resolve(ctx, c.params(owner, salt))
		if err != nil {
			return nil, err
		}
		if account.IsDeployed && !explicit {
			return nil, fmt.Errorf("%w: %s on chain %d", ErrAccountNotRegistered, account.Address.Hex(), chainID)
		}
		if !register {
			return account, nil
		}
		if err := e.accounts.Create(account); err != nil {
			return nil, fmt.Errorf("register account: %w", err)
		}
		e.logger.Info("registered smart account", "owner", owner.Hex(), "account", account.Address.Hex(), "chainId", chainID, "salt", account.Salt.String())
		return account, nil

	default:
		return nil, err
	}
}

type SendRequest struct {
	ChainID  uint64
	Signer   signer.Signer
	Salt     *big.Int
	Calls    []preset.Call
	Provider bundler.Provider
	PolicyID string
}

// SendTransaction runs the pipeline once. Any failure before submission
// aborts with nothing sent. The returned submission resolves to Included,
// Failed or TimedOut; a provider rejection is an already Failed submission.
func (e *Engine) SendTransaction(ctx context.Context, req *SendRequest) (*Submission, error) {
	c, err := e.chain(req.ChainID)
	if err != nil {
		return nil, err
	}
	if req.Signer == nil {
		return nil, &aaerrors.ValidationError{Field: "signer", Reason: ReasonMissingSigner}
	}
	if req.Provider == nil {
		return nil, &aaerrors.ValidationError{Field: "provider", Reason: ReasonMissingProvider}
	}

	timer := timekeeper.NewElapsing()
	owner := req.Signer.Address()
	account, err := e.ResolveAccount(ctx, req.ChainID, owner, req.Salt)
	if err != nil {
		return nil, err
	}
	e.lap(timer, "resolve")

	op, err := c.builder.Build(ctx, account, c.EntryPoint, req.Calls)
	if err != nil {
		return nil, err
	}
	e.lap(timer, "build")

	est := c.estimator.Estimate(ctx, op, req.Provider, c.EntryPoint.Address)
	op = userop.WithGas(op, est.Gas)
	e.lap(timer, "estimate")

	var sponsor bundler.Sponsor = req.Provider
	if c.Paymaster != nil {
		sponsor = c.Paymaster
	}
	sponsorship, err := e.negotiator.Sponsor(ctx, sponsor, &preset.SponsorshipRequest{
		Op:         op,
		EntryPoint: c.EntryPoint.Address,
		ChainID:    c.ChainID,
		PolicyID:   req.PolicyID,
		Calls:      req.Calls,
		Gas:        est.Gas,
	})
	if err != nil {
		return nil, err
	}
	op = sponsorship.Op
	if !sponsorship.Sponsored {
		e.logger.Debug("user operation is not sponsored", "sender", account.Address.Hex(), "reason", sponsorship.Reason)
	}
	e.lap(timer, "sponsor")

	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("assembled user operation is invalid: %w", err)
	}

	signed, hash, err := e.sign(ctx, req.Signer, op, c)
	if err != nil {
		return nil, err
	}
	e.lap(timer, "sign")

	writer := &recordWriter{
		repo:   e.transactions,
		logger: e.logger,
		rec: &model.TransactionRecord{
			Owner:             owner,
			Sender:            account.Address,
			ChainID:           c.ChainID,
			EntryPoint:        c.EntryPoint.Address,
			EntryPointVersion: string(c.EntryPoint.Version),
			UserOpHash:        hash,
			Provider:          req.Provider.Name(),
			PolicyID:          sponsorship.PolicyID,
			Sponsored:         sponsorship.Sponsored,
		},
	}
	deploying := signed.IsDeploying()
	params := c.params(owner, account.Salt)

	sub, err := e.controller.Submit(ctx, &SubmitRequest{
		Provider:   req.Provider,
		Op:         signed,
		EntryPoint: c.EntryPoint.Address,
		ChainID:    c.ChainID,
		OnTerminal: func(res *Result) {
			writer.terminal(res)
			if res.State == model.StateIncluded && deploying {
				e.markDeployed(c, params, account)
			}
		},
	})
	if err != nil {
		var mismatch *aaerrors.HashMismatchError
		if errors.As(err, &mismatch) {
			e.reportDefect(err, c.ChainID, req.Provider.Name())
		}
		return nil, err
	}
	if sub.Handle() != nil {
		writer.submitted()
	}
	e.lap(timer, "submit")
	return sub, nil
}

// sign hashes, signs and checks that the signature really covers the hash
// the provider will recompute.
func (e *Engine) sign(ctx context.Context, s signer.Signer, op userop.UserOperation, c *chainRuntime) (userop.UserOperation, common.Hash, error) {
	chainID := new(big.Int).SetUint64(c.ChainID)
	hash := userop.Hash(op, c.EntryPoint.Address, chainID)

	sig, err := s.SignHash(ctx, hash)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("sign user operation: %w", err)
	}
	signed := userop.WithSignature(op, sig)

	if again := userop.Hash(signed, c.EntryPoint.Address, chainID); again != hash {
		err := &aaerrors.HashMismatchError{Stage: "sign", Expected: hash, Actual: again}
		e.logger.Error("user operation hash changed after signing", "expected", hash.Hex(), "actual", again.Hex())
		e.reportDefect(err, c.ChainID, "")
		return nil, common.Hash{}, err
	}

	recovered, err := signer.Recover(hash, sig)
	if err != nil {
		return nil, common.Hash{}, err
	}
	if recovered != s.Address() {
		err := fmt.Errorf("%w: recovered %s, owner %s", ErrSignerMismatch, recovered.Hex(), s.Address().Hex())
		e.logger.Error("signature does not match the signer", "userOpHash", hash.Hex(), "recovered", recovered.Hex(), "owner", s.Address().Hex())
		e.reportDefect(err, c.ChainID, "")
		return nil, common.Hash{}, err
	}
	return signed, hash, nil
}

func (e *Engine) markDeployed(c *chainRuntime, params aa.AccountParams, account *model.SmartAccount) {
	c.resolver.MarkDeployed(params)
	deployed := account.Clone()
	deployed.IsDeployed = true
	if err := e.accounts.Update(deployed); err != nil {
		e.logger.Warn("cannot record account deployment", "account", account.Address.Hex(), "error", err)
	}
}

type EstimateRequest struct {
	ChainID  uint64
	Owner    common.Address
	Salt     *big.Int
	Calls    []preset.Call
	Provider bundler.Provider
}

// GasQuote is the cost of an operation if nobody sponsors it.
type GasQuote struct {
	Account    common.Address
	Deploying  bool
	Gas        userop.GasFields
	FeeSource  string
	MaxCostWei *big.Int
	MaxCostEth decimal.Decimal
}

// Estimate quotes without submitting. Unlike SendTransaction it fails when
// the provider cannot estimate.
func (e *Engine) Estimate(ctx context.Context, req *EstimateRequest) (*GasQuote, error) {
	c, err := e.chain(req.ChainID)
	if err != nil {
		return nil, err
	}
	if req.Provider == nil {
		return nil, &aaerrors.ValidationError{Field: "provider", Reason: ReasonMissingProvider}
	}

	// a quote registers nothing
	account, err := e.resolveAccount(ctx, req.ChainID, req.Owner, req.Salt, false)
	if err != nil {
		return nil, err
	}
	op, err := c.builder.Build(ctx, account, c.EntryPoint, req.Calls)
	if err != nil {
		return nil, err
	}
	est, err := c.estimator.EstimateStrict(ctx, op, req.Provider, c.EntryPoint.Address)
	if err != nil {
		return nil, err
	}

	gassed := userop.WithGas(op, est.Gas)
	maxCost := new(big.Int).Mul(gassed.Gas().TotalGas(), gassed.Base().MaxFeePerGas)
	return &GasQuote{
		Account:    account.Address,
		Deploying:  op.IsDeploying(),
		Gas:        gassed.Gas(),
		FeeSource:  est.FeeSource,
		MaxCostWei: maxCost,
		MaxCostEth: decimal.NewFromBigInt(maxCost, -18),
	}, nil
}

// QueryStatus asks the provider once for the receipt of handle.
func (e *Engine) QueryStatus(ctx context.Context, provider bundler.Provider, handle *Handle) (*OperationReceipt, error) {
	receipt, err := UserOperationReceiptFunc(provider, handle.UserOpHash)(ctx)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &OperationReceipt{Status: ReceiptPending}, nil
	}
	return receipt, nil
}

func (e *Engine) lap(timer *timekeeper.Elapsing, stage string) {
	e.metrics.ObserveStage(stage, timer.Lap(stage).Seconds())
}

func (e *Engine) reportDefect(err error, chainID uint64, provider string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "lifecycle")
		scope.SetTag("chain_id", fmt.Sprint(chainID))
		if provider != "" {
			scope.SetTag("provider", provider)
		}
		sentry.CaptureException(err)
	})
}

// recordWriter persists one submission. The terminal callback may run
// before SendTransaction gets to write the Submitted record.
type recordWriter struct {
	mu      sync.Mutex
	repo    *repository.TransactionRepository
	logger  logger.Logger
	rec     *model.TransactionRecord
	created bool
}

func (w *recordWriter) submitted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		return
	}
	// a terminal result whose write failed is retried as is
	if !w.rec.State.Terminal() {
		w.rec.State = model.StateSubmitted
	}
	w.save()
}

func (w *recordWriter) terminal(res *Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rec.State = res.State
	w.rec.Reason = res.Reason
	if r := res.Receipt; r != nil {
		w.rec.TransactionHash = r.TransactionHash
		if r.BlockNumber != nil {
			w.rec.BlockNumber = r.BlockNumber.Uint64()
		}
		if r.GasUsed != nil {
			w.rec.GasUsed = r.GasUsed.String()
		}
		if r.ActualGasCost != nil {
			w.rec.ActualGasCost = r.ActualGasCost.String()
		}
	}
	w.save()
}

func (w *recordWriter) save() {
	var err error
	if w.created {
		err = w.repo.Update(w.rec)
	} else {
		err = w.repo.Create(w.rec)
		w.created = err == nil
	}
	if err != nil {
		w.logger.Error("cannot persist transaction record", "userOpHash", w.rec.UserOpHash.Hex(), "state", w.rec.State, "error", err)
	}
}
