package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-gasless/core/testutil"
	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler/bundlertest"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

var (
	entryPointV07 = common.HexToAddress(testutil.EntryPointV07)
	testSender    = common.HexToAddress("0x7c3a76086588230c7B3f4839A4c1F5BBafcd57C6")
	testTxHash    = common.HexToHash("0xdeadbeef00000000000000000000000000000000000000000000000000000001")

	fastPoll = PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 8}
)

// countingMetrics keeps the label combinations the controller reports.
type countingMetrics struct {
	mu        sync.Mutex
	submitted map[string]int
	outcomes  map[string]int
	polls     map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{submitted: map[string]int{}, outcomes: map[string]int{}, polls: map[string]int{}}
}

func (m *countingMetrics) AddUptime(float64) {}

func (m *countingMetrics) IncSubmitted(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted[provider]++
}

func (m *countingMetrics) IncOutcome(provider, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[state]++
}

func (m *countingMetrics) IncReceiptPoll(provider, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls[result]++
}

func (m *countingMetrics) IncEstimationFallback(string)  {}
func (m *countingMetrics) IncSponsorship(string, string) {}
func (m *countingMetrics) ObserveStage(string, float64)  {}

func (m *countingMetrics) outcome(state model.OperationState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[string(state)]
}

func (m *countingMetrics) poll(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[result]
}

func signedOp(t *testing.T) userop.UserOperation {
	t.Helper()
	op, err := userop.New(userop.V07, testSender)
	require.NoError(t, err)
	op = userop.WithGas(op, userop.GasFields{
		CallGasLimit:         big.NewInt(60000),
		VerificationGasLimit: big.NewInt(150000),
		PreVerificationGas:   big.NewInt(45000),
		MaxFeePerGas:         big.NewInt(21_500_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_500_000_000),
	})
	return userop.WithSignature(op, make([]byte, 65))
}

func submitRequest(t *testing.T, provider bundler.Provider) *SubmitRequest {
	return &SubmitRequest{
		Provider:   provider,
		Op:         signedOp(t),
		EntryPoint: entryPointV07,
		ChainID:    testutil.SepoliaID,
	}
}

func waitResult(t *testing.T, sub *Submission) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sub.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestSubmitIncludedAfterPolls(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.ReceiptFunc = bundlertest.IncludedAfter(3, testTxHash)
	m := newCountingMetrics()
	c := NewController(fastPoll, m, nil)

	var terminal []*Result
	req := submitRequest(t, provider)
	req.OnTerminal = func(r *Result) { terminal = append(terminal, r) }

	sub, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sub.Handle())
	assert.Equal(t, userop.Hash(req.Op, entryPointV07, big.NewInt(int64(testutil.SepoliaID))), sub.Handle().UserOpHash)
	assert.Equal(t, "pimlico", sub.Handle().Provider)

	res := waitResult(t, sub)
	assert.Equal(t, model.StateIncluded, res.State)
	assert.Equal(t, model.StateIncluded, sub.State())
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, provider.Polls())
	require.NotNil(t, res.Receipt.TransactionHash)
	assert.Equal(t, testTxHash, *res.Receipt.TransactionHash)
	assert.Equal(t, int64(100), res.Receipt.BlockNumber.Int64())
	assert.Equal(t, int64(90000), res.Receipt.GasUsed.Int64())
	assert.Same(t, sub.Handle(), res.Handle)

	require.Len(t, terminal, 1)
	assert.Same(t, res, terminal[0])
	assert.Equal(t, 1, m.outcome(model.StateIncluded))
	assert.Equal(t, 2, m.poll("pending"))
	assert.Equal(t, 1, m.poll("found"))
}

func TestSubmitIsSubmittedWhilePolling(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	c := NewController(PollConfig{Interval: 20 * time.Millisecond, MaxAttempts: 50}, nil, nil)

	sub, err := c.Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)

	assert.Equal(t, model.StateSubmitted, sub.State())
	assert.Nil(t, sub.Result())
	select {
	case <-sub.Done():
		t.Fatal("submission finished without a receipt")
	default:
	}
}

func TestSubmitTimesOutWithinDeadline(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	log := logger.NewRecordingLogger()
	m := newCountingMetrics()
	c := NewController(PollConfig{Interval: 10 * time.Millisecond, MaxAttempts: 5}, m, log)

	started := time.Now()
	sub, err := c.Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)
	res := waitResult(t, sub)
	elapsed := time.Since(started)

	assert.Equal(t, model.StateTimedOut, res.State)
	assert.LessOrEqual(t, res.Attempts, 5)
	assert.Less(t, elapsed, 50*time.Millisecond+time.Second)

	var timeout *aaerrors.TimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	assert.Equal(t, sub.Handle().UserOpHash, timeout.UserOpHash)
	assert.Equal(t, res.Attempts, timeout.Attempts)
	assert.Equal(t, 1, m.outcome(model.StateTimedOut))
	assert.NotEmpty(t, log.Entries("warn"))
}

func TestSubmitFailedReceiptKeepsReasonVerbatim(t *testing.T) {
	provider := bundlertest.New("alchemy", testutil.SepoliaID)
	provider.ReceiptFunc = func(int) (*bundler.UserOperationReceipt, error) {
		return bundlertest.Receipt(false, "AA23 reverted: account out of funds", testTxHash), nil
	}
	c := NewController(fastPoll, nil, nil)

	sub, err := c.Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)
	res := waitResult(t, sub)

	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, "AA23 reverted: account out of funds", res.Reason)
	assert.Equal(t, ReceiptFailed, res.Receipt.Status)
	assert.Equal(t, testTxHash, *res.Receipt.TransactionHash)
	assert.Nil(t, res.Err)
}

func TestSubmitFailedReceiptWithoutReason(t *testing.T) {
	provider := bundlertest.New("alchemy", testutil.SepoliaID)
	provider.ReceiptFunc = func(int) (*bundler.UserOperationReceipt, error) {
		return bundlertest.Receipt(false, "", testTxHash), nil
	}
	sub, err := NewController(fastPoll, nil, nil).Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)

	res := waitResult(t, sub)
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, ErrExecutionReverted, res.Reason)
}

func TestSubmitRejectedByProviderIsFailed(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SendErr = &aaerrors.ProtocolError{Provider: "pimlico", Method: "eth_sendUserOperation", Code: -32500, Message: "AA21 didn't pay prefund"}
	m := newCountingMetrics()

	var terminal *Result
	req := submitRequest(t, provider)
	req.OnTerminal = func(r *Result) { terminal = r }

	sub, err := NewController(fastPoll, m, nil).Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, sub.Handle())

	select {
	case <-sub.Done():
	default:
		t.Fatal("a rejected submission must already be terminal")
	}
	res := sub.Result()
	assert.Equal(t, model.StateFailed, res.State)
	assert.Equal(t, "AA21 didn't pay prefund", res.Reason)
	var protocolErr *aaerrors.ProtocolError
	assert.ErrorAs(t, res.Err, &protocolErr)
	assert.Same(t, res, terminal)
	assert.Zero(t, provider.Polls())
	assert.Equal(t, 1, m.outcome(model.StateFailed))
}

func TestSubmitTransportErrorReturnsNoSubmission(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.SendErr = &aaerrors.TransportError{Provider: "pimlico", Method: "eth_sendUserOperation", StatusCode: 502, Err: errors.New("bad gateway")}

	sub, err := NewController(fastPoll, nil, nil).Submit(context.Background(), submitRequest(t, provider))
	assert.Nil(t, sub)
	require.Error(t, err)
	assert.True(t, aaerrors.IsRetryable(err))
	assert.Zero(t, provider.Polls())
}

func TestSubmitHashMismatchIsReported(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	other := common.HexToHash("0x01")
	provider.SendHash = &other
	log := logger.NewRecordingLogger()

	req := submitRequest(t, provider)
	sub, err := NewController(fastPoll, nil, log).Submit(context.Background(), req)
	assert.Nil(t, sub)

	var mismatch *aaerrors.HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "submit", mismatch.Stage)
	assert.Equal(t, other, mismatch.Actual)
	assert.Equal(t, userop.Hash(req.Op, entryPointV07, big.NewInt(int64(testutil.SepoliaID))), mismatch.Expected)
	assert.Len(t, log.Entries("error"), 1)
	assert.Zero(t, provider.Polls())
}

func TestSubmitRetriesPollErrors(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	provider.ReceiptFunc = func(attempt int) (*bundler.UserOperationReceipt, error) {
		switch attempt {
		case 1:
			return nil, &aaerrors.TransportError{Provider: "pimlico", Err: errors.New("connection reset")}
		case 2:
			return nil, &aaerrors.ProtocolError{Provider: "pimlico", Code: -32603, Message: "internal error"}
		}
		return bundlertest.Receipt(true, "", testTxHash), nil
	}
	m := newCountingMetrics()

	sub, err := NewController(fastPoll, m, nil).Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)
	res := waitResult(t, sub)

	assert.Equal(t, model.StateIncluded, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, m.poll("transport_error"))
	assert.Equal(t, 1, m.poll("provider_error"))
}

func TestSubmitTimeoutKeepsLastPollError(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	pollErr := &aaerrors.TransportError{Provider: "pimlico", Err: errors.New("connection refused")}
	provider.ReceiptFunc = func(int) (*bundler.UserOperationReceipt, error) { return nil, pollErr }

	sub, err := NewController(PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 3}, nil, nil).Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)
	res := waitResult(t, sub)

	assert.Equal(t, model.StateTimedOut, res.State)
	assert.ErrorIs(t, res.Err, pollErr)
}

func TestCancelledContextTimesOut(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := NewController(PollConfig{Interval: 20 * time.Millisecond, MaxAttempts: 100}, nil, nil).Submit(ctx, submitRequest(t, provider))
	require.NoError(t, err)
	cancel()

	res := waitResult(t, sub)
	assert.Equal(t, model.StateTimedOut, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestWaitReturnsWhenCallerGivesUp(t *testing.T) {
	provider := bundlertest.New("pimlico", testutil.SepoliaID)
	sub, err := NewController(PollConfig{Interval: 20 * time.Millisecond, MaxAttempts: 100}, nil, nil).Submit(context.Background(), submitRequest(t, provider))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := sub.Wait(ctx)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StateSubmitted, sub.State())
}

func TestSubmissionNeverMovesBackwards(t *testing.T) {
	sub := newSubmission(&Handle{ID: "x"})
	sub.advance(model.StateSubmitted)
	sub.finish(&Result{State: model.StateIncluded})

	assert.Panics(t, func() { sub.advance(model.StateSubmitted) })
	assert.Panics(t, func() { sub.advance(model.StateFailed) })
	assert.Equal(t, model.StateIncluded, sub.State())
}

func TestPollConfigDefaults(t *testing.T) {
	c := NewController(PollConfig{}, nil, nil)
	assert.Equal(t, DefaultPollInterval, c.PollConfig().Interval)
	assert.Equal(t, DefaultPollMaxAttempts, c.PollConfig().MaxAttempts)
	assert.Equal(t, 30*time.Second, PollConfig{}.Deadline())
	assert.Equal(t, 50*time.Millisecond, PollConfig{Interval: 10 * time.Millisecond, MaxAttempts: 5}.Deadline())
}

func TestToOperationReceipt(t *testing.T) {
	r := ToOperationReceipt(bundlertest.Receipt(true, "", testTxHash))
	assert.Equal(t, ReceiptConfirmed, r.Status)
	assert.Equal(t, int64(1_800_000_000_000_000), r.ActualGasCost.Int64())
	assert.Empty(t, r.FailureReason)

	r = ToOperationReceipt(&bundler.UserOperationReceipt{Success: false})
	assert.Equal(t, ReceiptFailed, r.Status)
	assert.Nil(t, r.TransactionHash)
	assert.Nil(t, r.GasUsed)
	assert.Equal(t, ErrExecutionReverted, r.FailureReason)
}
