package testutil

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"os"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-gasless/storage"
)

const (
	// Well-known hardhat account #0, never funded on a real chain.
	ownerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcaf784d2b8e7ae5ff"

	EntryPointV06 = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
	EntryPointV07 = "0x0000000071727De22E5E9d8BAf0edAc6f37da032"
	FactoryV06    = "0x9406Cc6185a346906296840746125a0E44976454"
	SepoliaID     = uint64(11155111)
)

var (
	selectorGetAddress = []byte{0x8c, 0xb8, 0x4e, 0x18}
	selectorGetNonce   = []byte{0x35, 0x56, 0x7e, 0x1a}

	ErrChainDown = errors.New("chain unavailable")
)

// Shortcut to initialize a storage at a temp path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func OwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(ownerKeyHex)
	if err != nil {
		panic(err)
	}
	return key
}

func OwnerAddress() common.Address {
	return crypto.PubkeyToAddress(OwnerKey().PublicKey)
}

func GetDefaultCache() *bigcache.BigCache {
	cfg := bigcache.DefaultConfig(10 * time.Minute)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 1000
	cfg.MaxEntrySize = 512
	cfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	return cache
}

// FakeChain is an in-memory node answering the handful of reads the engine
// performs. Factory getAddress calls return Account, EntryPoint getNonce
// calls return Nonce.
type FakeChain struct {
	mu sync.Mutex

	Account common.Address
	Nonce   *big.Int
	Code    map[common.Address][]byte
	Balance *big.Int
	Tip     *big.Int
	BaseFee *big.Int

	// Results answers any other contract call by hex selector.
	Results map[string][]byte

	// Down makes every read fail with ErrChainDown.
	Down bool

	calls map[string]int
}

func NewFakeChain(account common.Address) *FakeChain {
	return &FakeChain{
		Account: account,
		Nonce:   big.NewInt(0),
		Code:    map[common.Address][]byte{},
		Results: map[string][]byte{},
		Balance: big.NewInt(0),
		Tip:     big.NewInt(1_500_000_000),
		BaseFee: big.NewInt(10_000_000_000),
		calls:   map[string]int{},
	}
}

func (f *FakeChain) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

func (f *FakeChain) Deploy(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Code[addr] = []byte{0x60, 0x80}
}

// Calls reports how many times method was invoked. Contract calls are
// counted as "getAddress", "getNonce" or the hex selector.
func (f *FakeChain) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *FakeChain) record(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.Down {
		return ErrChainDown
	}
	return nil
}

func (f *FakeChain) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if err := f.record("CodeAt"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Code[account], nil
}

func (f *FakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := f.record("BalanceAt"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Balance), nil
}

func (f *FakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("calldata too short")
	}
	selector := call.Data[:4]
	switch {
	case string(selector) == string(selectorGetAddress):
		if err := f.record("getAddress"); err != nil {
			return nil, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return common.LeftPadBytes(f.Account.Bytes(), 32), nil
	case string(selector) == string(selectorGetNonce):
		if err := f.record("getNonce"); err != nil {
			return nil, err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		return common.LeftPadBytes(f.Nonce.Bytes(), 32), nil
	}
	if err := f.record(common.Bytes2Hex(selector)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.Results[common.Bytes2Hex(selector)]; ok {
		return out, nil
	}
	return nil, errors.New("execution reverted")
}

func (f *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if err := f.record("SuggestGasTipCap"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Tip), nil
}

func (f *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := f.record("HeaderByNumber"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &types.Header{Number: big.NewInt(1), BaseFee: new(big.Int).Set(f.BaseFee)}, nil
}
