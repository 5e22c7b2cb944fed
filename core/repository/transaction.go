package repository

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-gasless/model"
	"github.com/AvaProtocol/ap-gasless/storage"
	"github.com/AvaProtocol/ap-gasless/storage/schema"
)

// TransactionRepository keeps one record per submitted operation, keyed by
// owner, chain and userOpHash. Records whose outcome is still unknown are
// also indexed under the pending prefix for the reconciler.
type TransactionRepository struct {
	db  storage.Storage
	now func() time.Time
}

func NewTransactionRepository(db storage.Storage) *TransactionRepository {
	return &TransactionRepository{db: db, now: time.Now}
}

func (r *TransactionRepository) Create(rec *model.TransactionRecord) error {
	key := schema.TransactionStorageKey(rec.Owner, rec.ChainID, rec.UserOpHash)
	exists, err := r.db.Exist(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: transaction %s", ErrAlreadyExists, rec.UserOpHash.Hex())
	}

	if rec.ID == "" {
		rec.ID = model.GenerateTransactionID()
	}
	if rec.SubmittedAt == 0 {
		rec.SubmittedAt = r.now().Unix()
	}
	rec.UpdatedAt = r.now().Unix()

	if err := r.write(key, rec); err != nil {
		return err
	}
	if _, err := r.db.IncCounter(schema.SubmissionCounterKey(rec.ChainID, rec.Owner)); err != nil {
		return fmt.Errorf("count submission: %w", err)
	}
	return nil
}

func (r *TransactionRepository) Find(owner common.Address, chainID uint64, hash common.Hash) (*model.TransactionRecord, error) {
	return r.load(schema.TransactionStorageKey(owner, chainID, hash))
}

// Update stores the new state. A record never moves back from a
// terminal state to Submitted, and Included or Failed records are final.
func (r *TransactionRepository) Update(rec *model.TransactionRecord) error {
	key := schema.TransactionStorageKey(rec.Owner, rec.ChainID, rec.UserOpHash)
	existing, err := r.load(key)
	if err != nil {
		return err
	}
	if existing.State == model.StateIncluded || existing.State == model.StateFailed {
		if rec.State != existing.State {
			return fmt.Errorf("transaction %s is already %s", rec.UserOpHash.Hex(), existing.State)
		}
	}
	if existing.State.Terminal() && !rec.State.Terminal() {
		return fmt.Errorf("transaction %s cannot move from %s back to %s", rec.UserOpHash.Hex(), existing.State, rec.State)
	}

	rec.ID = existing.ID
	rec.SubmittedAt = existing.SubmittedAt
	rec.UpdatedAt = r.now().Unix()
	return r.write(key, rec)
}

// ListPending returns records still Submitted or TimedOut, oldest first.
func (r *TransactionRepository) ListPending() ([]*model.TransactionRecord, error) {
	items, err := r.db.GetByPrefix(schema.PendingTransactionPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]*model.TransactionRecord, 0, len(items))
	for _, item := range items {
		rec, err := r.load(item.Value)
		if errors.Is(err, ErrNotFound) {
			// dangling index entry
			_ = r.db.Delete(item.Key)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (r *TransactionRepository) ListByOwner(owner common.Address) ([]*model.TransactionRecord, error) {
	items, err := r.db.GetByPrefix(schema.TransactionByOwnerPrefix(owner))
	if err != nil {
		return nil, err
	}
	records := make([]*model.TransactionRecord, 0, len(items))
	for _, item := range items {
		rec := &model.TransactionRecord{}
		if err := rec.FromStorageData(item.Value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", item.Key, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (r *TransactionRepository) SubmissionCount(owner common.Address, chainID uint64) (uint64, error) {
	return r.db.GetCounter(schema.SubmissionCounterKey(chainID, owner), 0)
}

func (r *TransactionRepository) load(key []byte) (*model.TransactionRecord, error) {
	data, err := r.db.GetKey(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &model.TransactionRecord{}
	if err := rec.FromStorageData(data); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", key, err)
	}
	return rec, nil
}

// write stores the record and its pending index entry in one batch.
func (r *TransactionRepository) write(key []byte, rec *model.TransactionRecord) error {
	data, err := rec.ToJSON()
	if err != nil {
		return err
	}

	pendingKey := string(schema.PendingTransactionKey(rec.ChainID, rec.UserOpHash))
	updates := map[string][]byte{string(key): data}
	if rec.State == model.StateSubmitted || rec.State == model.StateTimedOut {
		updates[pendingKey] = key
	} else {
		updates[pendingKey] = nil
	}
	return r.db.BatchWrite(updates)
}
