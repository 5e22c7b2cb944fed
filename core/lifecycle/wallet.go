package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-gasless/core/chainio/signer"
	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/preset"
)

// WalletProvider is the wallet_* surface of a provider that builds, sponsors
// and bundles the operation itself. *bundler.WalletClient implements it.
type WalletProvider interface {
	Name() string
	PrepareCalls(ctx context.Context, req *bundler.PrepareCallsRequest) (*bundler.PreparedCalls, error)
	SendPreparedCalls(ctx context.Context, prepared *bundler.PreparedCalls, signature []byte) ([]string, error)
	GetCallsStatus(ctx context.Context, id string) (*bundler.CallsStatus, error)
}

type PreparedCallsRequest struct {
	ChainID  uint64
	Signer   signer.Signer
	Salt     *big.Int
	Calls    []preset.Call
	Wallet   WalletProvider
	PolicyID string
}

// SendPreparedCalls is the wallet-centric variant of SendTransaction: the
// provider prepares the operation, the engine only signs what it is asked
// to and then polls wallet_getCallsStatus with the same state machine.
func (e *Engine) SendPreparedCalls(ctx context.Context, req *PreparedCallsRequest) (*Submission, error) {
	c, err := e.chain(req.ChainID)
	if err != nil {
		return nil, err
	}
	if req.Signer == nil {
		return nil, &aaerrors.ValidationError{Field: "signer", Reason: ReasonMissingSigner}
	}
	if req.Wallet == nil {
		return nil, &aaerrors.ValidationError{Field: "provider", Reason: ReasonMissingProvider}
	}
	calls, err := walletCalls(req.Calls)
	if err != nil {
		return nil, err
	}

	owner := req.Signer.Address()
	account, err := e.ResolveAccount(ctx, req.ChainID, owner, req.Salt)
	if err != nil {
		return nil, err
	}

	prepareReq := &bundler.PrepareCallsRequest{
		Calls:   calls,
		From:    account.Address,
		ChainID: hexutil.Uint64(c.ChainID),
	}
	if policyID := e.negotiator.Policy(req.PolicyID); policyID != "" {
		prepareReq.Capabilities = &bundler.Capabilities{PaymasterService: &bundler.PaymasterServiceCapability{PolicyID: policyID}}
	}
	prepared, err := req.Wallet.PrepareCalls(ctx, prepareReq)
	if err != nil {
		return nil, fmt.Errorf("prepare calls: %w", err)
	}

	payload, err := prepared.SignatureRequest.Payload()
	if err != nil {
		return nil, err
	}
	if len(payload) != common.HashLength {
		return nil, fmt.Errorf("cannot sign a %d byte payload, expected a user operation hash", len(payload))
	}
	hash := common.BytesToHash(payload)
	sig, err := req.Signer.SignHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("sign prepared calls: %w", err)
	}
	if recovered, err := signer.Recover(hash, sig); err != nil || recovered != owner {
		return nil, fmt.Errorf("%w: prepared calls %s", ErrSignerMismatch, hash.Hex())
	}

	ids, err := req.Wallet.SendPreparedCalls(ctx, prepared, sig)
	if err != nil {
		return nil, fmt.Errorf("send prepared calls: %w", err)
	}
	if len(ids) == 0 {
		return nil, &aaerrors.TransportError{Provider: req.Wallet.Name(), Method: "wallet_sendPreparedCalls", Malformed: true, Err: errors.New(ReasonPreparedNoCallID)}
	}

	handle := &Handle{
		ID:          ids[0],
		UserOpHash:  hash,
		ChainID:     c.ChainID,
		Provider:    req.Wallet.Name(),
		SubmittedAt: e.controller.now(),
	}
	e.metrics.IncSubmitted(handle.Provider)
	e.logger.Info("prepared calls submitted", "provider", handle.Provider, "id", handle.ID, "sender", account.Address.Hex())

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
			Provider:          handle.Provider,
			PolicyID:          e.negotiator.Policy(req.PolicyID),
			Sponsored:         prepared.Sponsored(),
		},
	}
	sub := e.controller.Track(ctx, handle, CallsStatusFunc(req.Wallet, handle.ID), writer.terminal)
	writer.submitted()
	return sub, nil
}

func walletCalls(calls []preset.Call) ([]bundler.WalletCall, error) {
	if len(calls) == 0 {
		return nil, &aaerrors.ValidationError{Field: "calls", Reason: "at least one call is required"}
	}
	for i, call := range calls {
		if !common.IsHexAddress(call.Target) {
			return nil, &aaerrors.InvalidCallError{Index: i, Target: call.Target}
		}
		if call.Value != nil && call.Value.Sign() < 0 {
			return nil, &aaerrors.ValidationError{Field: fmt.Sprintf("calls[%d].value", i), Reason: "must not be negative"}
		}
	}
	return lo.Map(calls, func(call preset.Call, _ int) bundler.WalletCall {
		wc := bundler.WalletCall{To: common.HexToAddress(call.Target), Data: call.Data}
		if call.Value != nil && call.Value.Sign() > 0 {
			wc.Value = (*hexutil.Big)(call.Value)
		}
		return wc
	}), nil
}

// CallsStatusFunc polls wallet_getCallsStatus.
func CallsStatusFunc(wallet WalletProvider, id string) ReceiptFunc {
	return func(ctx context.Context) (*OperationReceipt, error) {
		status, err := wallet.GetCallsStatus(ctx, id)
		if err != nil || status == nil {
			return nil, err
		}
		if status.Pending() {
			return &OperationReceipt{Status: ReceiptPending}, nil
		}

		receipt := &OperationReceipt{Status: ReceiptConfirmed, GasUsed: status.GasUsed()}
		if len(status.Receipts) > 0 {
			tx := status.Receipts[0].TransactionHash
			receipt.TransactionHash = &tx
			receipt.BlockNumber = status.Receipts[0].BlockNumber.ToInt()
		}
		if status.Failed() {
			receipt.Status = ReceiptFailed
			receipt.FailureReason = fmt.Sprintf("calls status %d", status.Status)
		}
		return receipt, nil
	}
}
