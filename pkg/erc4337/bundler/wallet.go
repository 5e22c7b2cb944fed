package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
)

// EIP-5792 call bundle status codes.
const (
	CallsStatusPending         = 100
	CallsStatusConfirmed       = 200
	CallsStatusOffchainFailure = 400
	CallsStatusReverted        = 500
	CallsStatusPartialRevert   = 600
)

// WalletClient speaks the wallet-centric API (wallet_prepareCalls,
// wallet_sendPreparedCalls, wallet_getCallsStatus) where the provider
// builds the operation and the caller only signs.
type WalletClient struct {
	client *Client
}

func NewWalletClient(ctx context.Context, name, url string, opts ...ClientOption) (*WalletClient, error) {
	c, err := NewClient(ctx, name, url, opts...)
	if err != nil {
		return nil, err
	}
	return &WalletClient{client: c}, nil
}

func (w *WalletClient) Name() string { return w.client.Name() }

func (w *WalletClient) Close() { w.client.Close() }

type WalletCall struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
	Value *hexutil.Big   `json:"value,omitempty"`
}

type PaymasterServiceCapability struct {
	PolicyID string `json:"policyId"`
}

type Capabilities struct {
	PaymasterService *PaymasterServiceCapability `json:"paymasterService,omitempty"`
}

type PrepareCallsRequest struct {
	Calls        []WalletCall   `json:"calls"`
	From         common.Address `json:"from"`
	ChainID      hexutil.Uint64 `json:"chainId"`
	Capabilities *Capabilities  `json:"capabilities,omitempty"`
}

type SignatureRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Payload returns the bytes to sign. personal_sign requests carry either a
// {"raw": "0x.."} object or a plain hex string.
func (s *SignatureRequest) Payload() ([]byte, error) {
	if s.Type != "personal_sign" {
		return nil, fmt.Errorf("unsupported signature request type %q", s.Type)
	}
	var obj struct {
		Raw hexutil.Bytes `json:"raw"`
	}
	if err := json.Unmarshal(s.Data, &obj); err == nil && len(obj.Raw) > 0 {
		return obj.Raw, nil
	}
	var str hexutil.Bytes
	if err := json.Unmarshal(s.Data, &str); err == nil && len(str) > 0 {
		return str, nil
	}
	return nil, errors.New("signature request has no payload")
}

// PreparedCalls is returned by wallet_prepareCalls and sent back, signed,
// to wallet_sendPreparedCalls. Data is opaque to the engine.
type PreparedCalls struct {
	Type             string           `json:"type"`
	Data             json.RawMessage  `json:"data"`
	ChainID          hexutil.Uint64   `json:"chainId"`
	SignatureRequest SignatureRequest `json:"signatureRequest"`
}

// Sponsored reports whether the prepared operation carries a paymaster.
// A provider may ignore the paymasterService capability, so the request
// alone does not decide it.
func (p *PreparedCalls) Sponsored() bool {
	var op struct {
		Paymaster        *common.Address `json:"paymaster"`
		PaymasterAndData hexutil.Bytes   `json:"paymasterAndData"`
	}
	if err := json.Unmarshal(p.Data, &op); err != nil {
		return false
	}
	if op.Paymaster != nil && *op.Paymaster != (common.Address{}) {
		return true
	}
	return len(op.PaymasterAndData) >= common.AddressLength
}

type preparedCallsSignature struct {
	Type string        `json:"type"`
	Data hexutil.Bytes `json:"data"`
}

type sendPreparedCallsRequest struct {
	Type      string                 `json:"type"`
	Data      json.RawMessage        `json:"data"`
	ChainID   hexutil.Uint64         `json:"chainId"`
	Signature preparedCallsSignature `json:"signature"`
}

type CallsStatus struct {
	ID       string                `json:"id"`
	ChainID  hexutil.Uint64        `json:"chainId"`
	Status   int                   `json:"status"`
	Receipts []*TransactionReceipt `json:"receipts"`
}

func (s *CallsStatus) Pending() bool { return s.Status < CallsStatusConfirmed }

func (s *CallsStatus) Confirmed() bool {
	return s.Status >= CallsStatusConfirmed && s.Status < CallsStatusOffchainFailure
}

func (s *CallsStatus) Failed() bool { return s.Status >= CallsStatusOffchainFailure }

func (s *CallsStatus) GasUsed() *big.Int {
	total := new(big.Int)
	for _, r := range s.Receipts {
		if v := r.GasUsed.ToInt(); v != nil {
			total.Add(total, v)
		}
	}
	return total
}

func (w *WalletClient) PrepareCalls(ctx context.Context, req *PrepareCallsRequest) (*PreparedCalls, error) {
	var prepared *PreparedCalls
	if err := w.client.Call(ctx, &prepared, "wallet_prepareCalls", req); err != nil {
		return nil, err
	}
	if prepared == nil || len(prepared.Data) == 0 {
		return nil, &aaerrors.TransportError{Provider: w.client.Name(), Method: "wallet_prepareCalls", Malformed: true, Err: errors.New("empty prepared calls")}
	}
	return prepared, nil
}

func (w *WalletClient) SendPreparedCalls(ctx context.Context, prepared *PreparedCalls, signature []byte) ([]string, error) {
	req := &sendPreparedCallsRequest{
		Type:    prepared.Type,
		Data:    prepared.Data,
		ChainID: prepared.ChainID,
		Signature: preparedCallsSignature{
			Type: "secp256k1",
			Data: signature,
		},
	}
	var result struct {
		PreparedCallIDs []string `json:"preparedCallIds"`
	}
	if err := w.client.Call(ctx, &result, "wallet_sendPreparedCalls", req); err != nil {
		return nil, err
	}
	return result.PreparedCallIDs, nil
}

// GetCallsStatus returns nil, nil when the provider does not know id yet.
func (w *WalletClient) GetCallsStatus(ctx context.Context, id string) (*CallsStatus, error) {
	var status *CallsStatus
	if err := w.client.Call(ctx, &status, "wallet_getCallsStatus", id); err != nil {
		return nil, err
	}
	return status, nil
}
