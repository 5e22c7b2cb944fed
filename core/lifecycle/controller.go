package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/metrics"
	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

const (
	DefaultPollInterval    = time.Second
	DefaultPollMaxAttempts = 30
)

type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

func (p PollConfig) withDefaults() PollConfig {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPollMaxAttempts
	}
	return p
}

// Deadline is the longest a submission waits for its receipt.
func (p PollConfig) Deadline() time.Duration {
	p = p.withDefaults()
	return time.Duration(p.MaxAttempts) * p.Interval
}

// Handle identifies an accepted submission. ID is the userOpHash, or the
// prepared call id on the wallet path.
type Handle struct {
	ID          string
	UserOpHash  common.Hash
	ChainID     uint64
	Provider    string
	SubmittedAt time.Time
}

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

type OperationReceipt struct {
	Status          ReceiptStatus
	TransactionHash *common.Hash
	BlockNumber     *big.Int
	GasUsed         *big.Int
	ActualGasCost   *big.Int
	FailureReason   string
}

// Result is the terminal outcome of a submission.
type Result struct {
	State    model.OperationState
	Handle   *Handle
	Receipt  *OperationReceipt
	Reason   string
	Attempts int
	// Err is set for TimedOut (a *aaerrors.TimeoutError) and for Failed at
	// submission (the provider's *aaerrors.ProtocolError).
	Err error
}

// ReceiptFunc returns nil, nil while the outcome is not known yet.
type ReceiptFunc func(ctx context.Context) (*OperationReceipt, error)

// Submission is the observable side of one submitted operation. Only the
// controller moves it forward.
type Submission struct {
	handle *Handle

	mu     sync.RWMutex
	state  model.OperationState
	result *Result
	done   chan struct{}
}

func newSubmission(handle *Handle) *Submission {
	return &Submission{handle: handle, state: model.StateBuilt, done: make(chan struct{})}
}

// Handle is nil when the provider rejected the operation outright.
func (s *Submission) Handle() *Handle { return s.handle }

func (s *Submission) State() model.OperationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Result returns the terminal result, or nil while still waiting.
func (s *Submission) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

func (s *Submission) Done() <-chan struct{} { return s.done }

// Wait blocks until the submission is terminal or ctx ends. Cancelling ctx
// here only stops waiting; the polling continues under its own context.
func (s *Submission) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var stateOrder = map[model.OperationState]int{
	model.StateBuilt:     0,
	model.StateSubmitted: 1,
	model.StateIncluded:  2,
	model.StateFailed:    2,
	model.StateTimedOut:  2,
}

func (s *Submission) advance(to model.OperationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateOrder[to] <= stateOrder[s.state] {
		panic(fmt.Sprintf("submission cannot move from %s to %s", s.state, to))
	}
	s.state = to
}

func (s *Submission) finish(result *Result) {
	s.advance(result.State)
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	close(s.done)
}

type SubmitRequest struct {
	Provider   bundler.Provider
	Op         userop.UserOperation
	EntryPoint common.Address
	ChainID    uint64
	// OnTerminal runs once, from the polling goroutine, before Wait returns.
	OnTerminal func(*Result)
}

// Controller submits signed operations and drives them to a terminal state.
type Controller struct {
	poll    PollConfig
	metrics metrics.Recorder
	logger  logger.Logger
	now     func() time.Time
}

func NewController(poll PollConfig, m metrics.Recorder, log logger.Logger) *Controller {
	return &Controller{
		poll:    poll.withDefaults(),
		metrics: metrics.Ensure(m),
		logger:  logger.EnsureLogger(log),
		now:     time.Now,
	}
}

func (c *Controller) PollConfig() PollConfig { return c.poll }

// Submit sends a signed operation. A provider rejection yields a Failed
// submission and no error; transport failures and a provider hash that
// differs from the local one are errors, with nothing to poll.
func (c *Controller) Submit(ctx context.Context, req *SubmitRequest) (*Submission, error) {
	name := req.Provider.Name()
	chainID := new(big.Int).SetUint64(req.ChainID)
	localHash := userop.Hash(req.Op, req.EntryPoint, chainID)

	hash, err := req.Provider.SendUserOperation(ctx, req.Op, req.EntryPoint)
	if err != nil {
		var protocolErr *aaerrors.ProtocolError
		if !errors.As(err, &protocolErr) {
			return nil, fmt.Errorf("send user operation: %w", err)
		}

		c.logger.Info("provider rejected user operation", "provider", name, "userOpHash", localHash.Hex(), "code", protocolErr.Code, "reason", protocolErr.Message)
		sub := newSubmission(nil)
		result := &Result{State: model.StateFailed, Reason: protocolErr.Message, Err: err}
		c.metrics.IncOutcome(name, string(model.StateFailed))
		if req.OnTerminal != nil {
			req.OnTerminal(result)
		}
		sub.finish(result)
		return sub, nil
	}

	if hash != localHash {
		mismatch := &aaerrors.HashMismatchError{Stage: "submit", Expected: localHash, Actual: hash}
		c.logger.Error("provider returned a different user operation hash", "provider", name, "expected", localHash.Hex(), "actual", hash.Hex())
		return nil, mismatch
	}

	handle := &Handle{
		ID:          hash.Hex(),
		UserOpHash:  hash,
		ChainID:     req.ChainID,
		Provider:    name,
		SubmittedAt: c.now(),
	}
	c.metrics.IncSubmitted(name)
	c.logger.Info("user operation submitted", "provider", name, "userOpHash", hash.Hex(), "sender", req.Op.Base().Sender.Hex())

	return c.Track(ctx, handle, UserOperationReceiptFunc(req.Provider, hash), req.OnTerminal), nil
}

// Track polls an accepted submission in the background.
func (c *Controller) Track(ctx context.Context, handle *Handle, poll ReceiptFunc, onTerminal func(*Result)) *Submission {
	sub := newSubmission(handle)
	sub.advance(model.StateSubmitted)

	go func() {
		result := c.wait(ctx, handle, poll)
		result.Handle = handle
		c.metrics.IncOutcome(handle.Provider, string(result.State))
		c.metrics.ObserveStage("receipt", c.now().Sub(handle.SubmittedAt).Seconds())
		if onTerminal != nil {
			onTerminal(result)
		}
		sub.finish(result)
	}()
	return sub
}

// wait polls immediately and then once per interval. The whole loop runs
// under a deadline of MaxAttempts intervals so a hanging provider cannot
// stretch it.
func (c *Controller) wait(parent context.Context, handle *Handle, poll ReceiptFunc) *Result {
	started := c.now()
	ctx, cancel := context.WithTimeout(parent, c.poll.Deadline())
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()

	var lastErr error
	attempts := 0
	for attempts < c.poll.MaxAttempts {
		select {
		case <-ctx.Done():
			return c.timedOut(handle, attempts, started, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}

		attempts++
		receipt, err := poll(ctx)
		switch {
		case err != nil:
			lastErr = err
			if ctx.Err() != nil {
				return c.timedOut(handle, attempts, started, errors.Join(ctx.Err(), lastErr))
			}
			if aaerrors.IsRetryable(err) {
				c.metrics.IncReceiptPoll(handle.Provider, "transport_error")
				c.logger.Debug("receipt poll failed, retrying", "userOpHash", handle.ID, "attempt", attempts, "error", err)
			} else {
				c.metrics.IncReceiptPoll(handle.Provider, "provider_error")
				c.logger.Warn("provider error while polling receipt, retrying", "userOpHash", handle.ID, "attempt", attempts, "error", err)
			}
		case receipt == nil || receipt.Status == ReceiptPending:
			c.metrics.IncReceiptPoll(handle.Provider, "pending")
		default:
			c.metrics.IncReceiptPoll(handle.Provider, "found")
			return c.terminal(handle, receipt, attempts)
		}

		timer.Reset(c.poll.Interval)
	}
	return c.timedOut(handle, attempts, started, lastErr)
}

func (c *Controller) terminal(handle *Handle, receipt *OperationReceipt, attempts int) *Result {
	if receipt.Status == ReceiptConfirmed {
		c.logger.Info("user operation included", "userOpHash", handle.ID, "attempts", attempts, "transactionHash", hashString(receipt.TransactionHash))
		return &Result{State: model.StateIncluded, Receipt: receipt, Attempts: attempts}
	}
	c.logger.Info("user operation reverted", "userOpHash", handle.ID, "reason", receipt.FailureReason)
	return &Result{State: model.StateFailed, Receipt: receipt, Reason: receipt.FailureReason, Attempts: attempts}
}

func (c *Controller) timedOut(handle *Handle, attempts int, started time.Time, lastErr error) *Result {
	err := &aaerrors.TimeoutError{
		UserOpHash: handle.UserOpHash,
		Attempts:   attempts,
		Elapsed:    c.now().Sub(started),
		LastErr:    lastErr,
	}
	c.logger.Warn("gave up waiting for user operation receipt", "userOpHash", handle.ID, "attempts", attempts, "error", lastErr)
	return &Result{State: model.StateTimedOut, Reason: err.Error(), Attempts: attempts, Err: err}
}

// UserOperationReceiptFunc polls eth_getUserOperationReceipt.
func UserOperationReceiptFunc(provider bundler.Provider, hash common.Hash) ReceiptFunc {
	return func(ctx context.Context) (*OperationReceipt, error) {
		receipt, err := provider.GetUserOperationReceipt(ctx, hash)
		if err != nil || receipt == nil {
			return nil, err
		}
		return ToOperationReceipt(receipt), nil
	}
}

func ToOperationReceipt(r *bundler.UserOperationReceipt) *OperationReceipt {
	out := &OperationReceipt{
		Status:        ReceiptConfirmed,
		BlockNumber:   r.BlockNumber(),
		GasUsed:       r.ActualGasUsed.ToInt(),
		ActualGasCost: r.ActualGasCost.ToInt(),
	}
	if tx := r.TransactionHash(); tx != (common.Hash{}) {
		out.TransactionHash = &tx
	}
	if !r.Success {
		out.Status = ReceiptFailed
		out.FailureReason = r.Reason
		if out.FailureReason == "" {
			out.FailureReason = ErrExecutionReverted
		}
	}
	return out
}

func hashString(h *common.Hash) string {
	if h == nil {
		return ""
	}
	return h.Hex()
}
