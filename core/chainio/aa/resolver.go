package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/pkg/erc4337/aaerrors"
	"github.com/AvaProtocol/ap-gasless/pkg/logger"
)

// AccountParams identifies one logical account.
type AccountParams struct {
	ChainID     uint64
	Owner       common.Address
	Factory     common.Address
	Salt        *big.Int
	AccountType model.AccountType
	// InitCodeHash is required for LightAccountType.
	InitCodeHash common.Hash
}

func (p *AccountParams) validate() error {
	if p.Owner == (common.Address{}) {
		return &aaerrors.ValidationError{Field: "owner", Reason: "zero address"}
	}
	if p.Factory == (common.Address{}) {
		return &aaerrors.ValidationError{Field: "factory", Reason: "zero address"}
	}
	if p.Salt == nil || p.Salt.Sign() < 0 || p.Salt.BitLen() > 256 {
		return &aaerrors.ValidationError{Field: "salt", Reason: "must be a uint256"}
	}
	if p.AccountType == model.LightAccountType && p.InitCodeHash == (common.Hash{}) {
		return &aaerrors.ValidationError{Field: "account_init_code_hash", Reason: "required for light accounts"}
	}
	return nil
}

func (p *AccountParams) cacheKey() string {
	return fmt.Sprintf("acct:%d:%s:%s:%s", p.ChainID, p.Factory.Hex(), p.Owner.Hex(), p.Salt.Text(16))
}

// Resolver derives smart account descriptors and keeps them in memory.
// Addresses never change once computed; only deployment status and balance
// are refreshed, and a failed refresh returns the last known descriptor.
type Resolver struct {
	reader ChainReader
	cache  *bigcache.BigCache
	logger logger.Logger
	now    func() time.Time
}

func NewResolver(reader ChainReader, cache *bigcache.BigCache, log logger.Logger) *Resolver {
	return &Resolver{
		reader: reader,
		cache:  cache,
		logger: logger.EnsureLogger(log),
		now:    time.Now,
	}
}

// NewDescriptorCache builds the bigcache instance shared by resolvers.
func NewDescriptorCache(ctx context.Context, lifeWindow time.Duration) (*bigcache.BigCache, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 10 * 1000
	cfg.MaxEntrySize = 512
	cfg.Verbose = false
	return bigcache.New(ctx, cfg)
}

// ComputeAddress returns the counterfactual address without touching the
// cache. Light accounts never hit the network.
func (r *Resolver) ComputeAddress(ctx context.Context, p AccountParams) (common.Address, error) {
	if err := p.validate(); err != nil {
		return common.Address{}, err
	}
	switch p.AccountType {
	case model.LightAccountType:
		return ComputeLightAccountAddress(p.Factory, p.Owner, p.Salt, p.InitCodeHash), nil
	default:
		return GetSenderAddress(ctx, r.reader, p.Factory, p.Owner, p.Salt)
	}
}

// Resolve returns the descriptor for p, computing the address on first use.
func (r *Resolver) Resolve(ctx context.Context, p AccountParams) (*model.SmartAccount, error) {
	return r.resolve(ctx, p, nil)
}

// ResolveKnown is Resolve for an account whose address is already known,
// usually from storage. A cache miss reuses known instead of asking the
// factory, so only deployment status and balance depend on the chain.
func (r *Resolver) ResolveKnown(ctx context.Context, p AccountParams, known common.Address) (*model.SmartAccount, error) {
	return r.resolve(ctx, p, &known)
}

func (r *Resolver) resolve(ctx context.Context, p AccountParams, known *common.Address) (*model.SmartAccount, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	key := p.cacheKey()
	account, err := r.cached(key)
	if err != nil {
		var addr common.Address
		if known != nil {
			addr = *known
		} else if addr, err = r.ComputeAddress(ctx, p); err != nil {
			return nil, err
		}
		account = &model.SmartAccount{
			Owner:       p.Owner,
			Address:     addr,
			Factory:     p.Factory,
			Salt:        new(big.Int).Set(p.Salt),
			ChainID:     p.ChainID,
			AccountType: p.AccountType,
			CreatedAt:   r.now().UnixMilli(),
		}
	}

	r.refresh(ctx, account)
	r.store(key, account)

	return account.Clone(), nil
}

// MarkDeployed records an observed deployment so later builds omit initCode
// even if the chain read that would confirm it fails.
func (r *Resolver) MarkDeployed(p AccountParams) {
	if p.validate() != nil {
		return
	}
	key := p.cacheKey()
	account, err := r.cached(key)
	if err != nil {
		return
	}
	account.IsDeployed = true
	r.store(key, account)
}

func (r *Resolver) refresh(ctx context.Context, account *model.SmartAccount) {
	if r.reader == nil {
		return
	}

	// deployment is monotonic, skip the code read once seen
	if !account.IsDeployed {
		code, err := r.reader.CodeAt(ctx, account.Address, nil)
		if err != nil {
			r.logger.Warn("cannot refresh smart account deployment status", "address", account.Address.Hex(), "error", err)
		} else if len(code) > 0 {
			account.IsDeployed = true
		}
	}

	balance, err := r.reader.BalanceAt(ctx, account.Address, nil)
	if err != nil {
		r.logger.Debug("cannot refresh smart account balance", "address", account.Address.Hex(), "error", err)
		return
	}
	account.Balance = balance
}

func (r *Resolver) cached(key string) (*model.SmartAccount, error) {
	if r.cache == nil {
		return nil, bigcache.ErrEntryNotFound
	}
	data, err := r.cache.Get(key)
	if err != nil {
		return nil, err
	}
	account := &model.SmartAccount{}
	if err := account.FromStorageData(data); err != nil {
		return nil, err
	}
	return account, nil
}

func (r *Resolver) store(key string, account *model.SmartAccount) {
	if r.cache == nil {
		return
	}
	if prev, err := r.cached(key); err == nil && prev.IsDeployed {
		account.IsDeployed = true
	}
	data, err := account.ToJSON()
	if err == nil {
		err = r.cache.Set(key, data)
	}
	if err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		r.logger.Warn("cannot cache smart account descriptor", "key", key, "error", err)
	}
}
