// Package repository persists smart accounts and transaction records on top
// of the badger storage.
package repository

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/storage"
	"github.com/AvaProtocol/ap-gasless/storage/schema"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// AccountRepository stores one smart account per (owner, chain). The stored
// salt is what keeps an owner on the same account across calls.
type AccountRepository struct {
	db storage.Storage
}

func NewAccountRepository(db storage.Storage) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Find(owner common.Address, chainID uint64) (*model.SmartAccount, error) {
	data, err := r.db.GetKey(schema.AccountStorageKey(chainID, owner))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s on chain %d: %w", owner.Hex(), chainID, err)
	}

	account := &model.SmartAccount{}
	if err := account.FromStorageData(data); err != nil {
		return nil, fmt.Errorf("decode account %s on chain %d: %w", owner.Hex(), chainID, err)
	}
	return account, nil
}

// Create refuses to overwrite an existing account: replacing it would move
// the owner to a different salt.
func (r *AccountRepository) Create(account *model.SmartAccount) error {
	key := schema.AccountStorageKey(account.ChainID, account.Owner)
	exists, err := r.db.Exist(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: account of %s on chain %d", ErrAlreadyExists, account.Owner.Hex(), account.ChainID)
	}
	return r.put(key, account)
}

// Update overwrites the stored account. The address and salt never change
// for an owner, so an update carrying different ones is rejected.
func (r *AccountRepository) Update(account *model.SmartAccount) error {
	existing, err := r.Find(account.Owner, account.ChainID)
	if err != nil {
		return err
	}
	if existing.Address != account.Address || existing.Salt.Cmp(account.Salt) != 0 {
		return fmt.Errorf("account of %s on chain %d cannot move from %s to %s",
			account.Owner.Hex(), account.ChainID, existing.Address.Hex(), account.Address.Hex())
	}
	// deployment is monotonic
	account.IsDeployed = account.IsDeployed || existing.IsDeployed
	return r.put(schema.AccountStorageKey(account.ChainID, account.Owner), account)
}

func (r *AccountRepository) ListByChain(chainID uint64) ([]*model.SmartAccount, error) {
	items, err := r.db.GetByPrefix(schema.AccountByChainPrefix(chainID))
	if err != nil {
		return nil, err
	}
	accounts := make([]*model.SmartAccount, 0, len(items))
	for _, item := range items {
		account := &model.SmartAccount{}
		if err := account.FromStorageData(item.Value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key, err)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (r *AccountRepository) put(key []byte, account *model.SmartAccount) error {
	data, err := account.ToJSON()
	if err != nil {
		return err
	}
	return r.db.Set(key, data)
}
