package aa

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/userop"
)

// ChainReader is the read-only slice of ethclient.Client the resolver and
// builder depend on.
type ChainReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// FactoryData is the createAccount calldata the factory runs on first use.
func FactoryData(owner common.Address, salt *big.Int) ([]byte, error) {
	return factoryABI.Pack("createAccount", owner, salt)
}

// InitCode returns factory ++ createAccount(owner, salt), the v0.6 initCode.
func InitCode(factory, owner common.Address, salt *big.Int) ([]byte, error) {
	calldata, err := FactoryData(owner, salt)
	if err != nil {
		return nil, err
	}
	return append(factory.Bytes(), calldata...), nil
}

// Create2Address computes keccak256(0xff ++ deployer ++ salt ++ initCodeHash)[12:].
func Create2Address(deployer common.Address, salt [32]byte, initCodeHash common.Hash) common.Address {
	return crypto.CreateAddress2(deployer, salt, initCodeHash.Bytes())
}

// LightAccountSalt combines owner and salt the way LightAccountFactory does.
func LightAccountSalt(owner common.Address, salt *big.Int) [32]byte {
	var buf [64]byte
	copy(buf[12:32], owner.Bytes())
	salt.FillBytes(buf[32:])
	return crypto.Keccak256Hash(buf[:])
}

// ComputeLightAccountAddress derives a LightAccount address offline.
func ComputeLightAccountAddress(factory, owner common.Address, salt *big.Int, initCodeHash common.Hash) common.Address {
	return Create2Address(factory, LightAccountSalt(owner, salt), initCodeHash)
}

// GetSenderAddress asks the factory for the counterfactual address.
func GetSenderAddress(ctx context.Context, reader ChainReader, factory, owner common.Address, salt *big.Int) (common.Address, error) {
	calldata, err := factoryABI.Pack("getAddress", owner, salt)
	if err != nil {
		return common.Address{}, err
	}
	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &factory, Data: calldata}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("factory getAddress: %w", err)
	}
	values, err := factoryABI.Unpack("getAddress", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, fmt.Errorf("factory getAddress: cannot decode %x", out)
	}
	addr, ok := values[0].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("factory getAddress returned %v", values[0])
	}
	return addr, nil
}

// GetNonce reads the sequential nonce (key 0) of sender from the EntryPoint.
// Undeployed accounts report 0.
func GetNonce(ctx context.Context, reader ChainReader, entryPoint, sender common.Address) (*big.Int, error) {
	calldata, err := entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, err
	}
	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("entrypoint getNonce: %w", err)
	}
	values, err := entryPointABI.Unpack("getNonce", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("entrypoint getNonce: cannot decode %x", out)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("entrypoint getNonce returned %T", values[0])
	}
	return nonce, nil
}

// PackExecute encodes a single call for the account's execute entry point.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	return valuedBatchAccountABI.Pack("execute", target, value, calldata)
}

// PackExecuteBatch encodes several calls. v0.6 SimpleAccount has no value
// parameter on executeBatch, so valued batches go to executeBatchWithValues.
func PackExecuteBatch(accountType model.AccountType, version userop.Version, targets []common.Address, values []*big.Int, calldata [][]byte) ([]byte, error) {
	if len(targets) != len(values) || len(targets) != len(calldata) {
		return nil, fmt.Errorf("batch length mismatch: %d targets, %d values, %d calldata", len(targets), len(values), len(calldata))
	}

	if accountType == model.SimpleAccountType && version == userop.V06 {
		for _, v := range values {
			if v.Sign() != 0 {
				return simpleAccountV06ABI.Pack("executeBatchWithValues", targets, values, calldata)
			}
		}
		return simpleAccountV06ABI.Pack("executeBatch", targets, calldata)
	}
	return valuedBatchAccountABI.Pack("executeBatch", targets, values, calldata)
}
