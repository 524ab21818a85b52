package repository

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/db"
	"github.com/rustchain/rustchain-go/models"
)

// Key prefixes per record type. Epoch numbers are zero-padded so that
// prefix iteration returns entries in epoch order.
const (
	prefixIdentity   = "id:"
	prefixWeight     = "ew:"
	prefixSettlement = "st:"
	prefixAccount    = "acct:"
	prefixNonce      = "nonce:"
	prefixEntry      = "tx:"
	prefixGossip     = "gs:"
	keyCarry         = "carry"
)

// Store implements every repository interface on top of LevelDB with
// JSON-encoded values.
type Store struct {
	db *db.LevelDB
}

// NewStore creates and returns a new Store instance
func NewStore(ldb *db.LevelDB) *Store {
	return &Store{db: ldb}
}

func (s *Store) get(key string, out interface{}) error {
	data, err := s.db.Get([]byte(key))
	if err != nil {
		if db.IsNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Store) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(key), data)
}

func identityKey(key string) string { return prefixIdentity + key }

func weightKey(epoch uint64, identity string) string {
	return fmt.Sprintf("%s%012d:%s", prefixWeight, epoch, identity)
}

func settlementKey(epoch uint64) string {
	return fmt.Sprintf("%s%012d", prefixSettlement, epoch)
}

func accountKey(addr string) string { return prefixAccount + addr }

func nonceKey(addr string, nonce uint64) string {
	return fmt.Sprintf("%s%s:%020d", prefixNonce, addr, nonce)
}

// entryKey keys a committed ledger entry under its owning address. The
// timestamp alone is not unique: two entries can touch one address in
// the same second, so the tx hash (or the entry digest for settlement
// credits) disambiguates.
func entryKey(addr string, e *models.LedgerEntry, encoded []byte) string {
	disc := e.Hash
	if disc == "" {
		disc = crypto.Digest(encoded)
	}
	if len(disc) > 16 {
		disc = disc[:16]
	}
	return fmt.Sprintf("%s%s:%020d:%s", prefixEntry, addr, e.Timestamp, disc)
}

// PutIdentity stores a hardware identity by its derived key
func (s *Store) PutIdentity(id *models.HardwareIdentity) error {
	return s.put(identityKey(id.Key), id)
}

// GetIdentity retrieves a hardware identity by its derived key
func (s *Store) GetIdentity(key string) (*models.HardwareIdentity, error) {
	var id models.HardwareIdentity
	if err := s.get(identityKey(key), &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// AllIdentities retrieves every stored hardware identity
func (s *Store) AllIdentities() ([]*models.HardwareIdentity, error) {
	iter := s.db.NewPrefixIterator([]byte(prefixIdentity))
	defer iter.Release()

	var ids []*models.HardwareIdentity
	for iter.Next() {
		var id models.HardwareIdentity
		if err := json.Unmarshal(iter.Value(), &id); err != nil {
			return nil, err
		}
		ids = append(ids, &id)
	}
	return ids, iter.Error()
}

// PutEntry upserts an identity's weight entry for an epoch
func (s *Store) PutEntry(entry *models.EpochWeightEntry) error {
	return s.put(weightKey(entry.Epoch, entry.IdentityKey), entry)
}

// GetEntry retrieves one identity's weight entry for an epoch
func (s *Store) GetEntry(epoch uint64, identity string) (*models.EpochWeightEntry, error) {
	var e models.EpochWeightEntry
	if err := s.get(weightKey(epoch, identity), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EntriesByEpoch retrieves all weight entries recorded for an epoch
func (s *Store) EntriesByEpoch(epoch uint64) ([]*models.EpochWeightEntry, error) {
	prefix := fmt.Sprintf("%s%012d:", prefixWeight, epoch)
	iter := s.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	var entries []*models.EpochWeightEntry
	for iter.Next() {
		var e models.EpochWeightEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, iter.Error()
}

// GetSettlement retrieves the settlement record for an epoch
func (s *Store) GetSettlement(epoch uint64) (*models.EpochSettlement, error) {
	var st models.EpochSettlement
	if err := s.get(settlementKey(epoch), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetCarry retrieves the pool amount carried over from empty epochs
func (s *Store) GetCarry() (int64, error) {
	var carry int64
	if err := s.get(keyCarry, &carry); err != nil {
		if err == ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	return carry, nil
}

// GetAccount retrieves an account by address
func (s *Store) GetAccount(address string) (*models.Account, error) {
	var acct models.Account
	if err := s.get(accountKey(address), &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// PutAccount stores an account
func (s *Store) PutAccount(acct *models.Account) error {
	return s.put(accountKey(acct.Address), acct)
}

// IsNonceUsed reports whether (address, nonce) was already committed
func (s *Store) IsNonceUsed(address string, nonce uint64) (bool, error) {
	return s.db.Has([]byte(nonceKey(address, nonce)))
}

// ApplyTransfer commits a debit/credit pair, both ledger entries and
// the nonce mark in one atomic batch
func (s *Store) ApplyTransfer(from, to *models.Account, debit, credit *models.LedgerEntry) error {
	batch := new(leveldb.Batch)

	if err := batchPut(batch, accountKey(from.Address), from); err != nil {
		return err
	}
	if err := batchPut(batch, accountKey(to.Address), to); err != nil {
		return err
	}
	if err := batchEntry(batch, from.Address, debit); err != nil {
		return err
	}
	if err := batchEntry(batch, to.Address, credit); err != nil {
		return err
	}
	batch.Put([]byte(nonceKey(debit.From, debit.Nonce)), []byte{1})

	return s.db.Write(batch)
}

// ApplyCredits commits a batch of admin reward credits atomically
func (s *Store) ApplyCredits(accounts []*models.Account, entries []*models.LedgerEntry) error {
	batch := new(leveldb.Batch)
	if err := batchCredits(batch, accounts, entries); err != nil {
		return err
	}
	return s.db.Write(batch)
}

// ApplySettlement commits the settlement record, the carried-over pool
// and every reward credit in one atomic batch. A crash can never leave
// the rewards paid without the record marking the epoch settled, or
// the record written without its credits.
func (s *Store) ApplySettlement(st *models.EpochSettlement, accounts []*models.Account, entries []*models.LedgerEntry) error {
	batch := new(leveldb.Batch)

	if err := batchPut(batch, settlementKey(st.Epoch), st); err != nil {
		return err
	}
	if err := batchPut(batch, keyCarry, st.CarriedOver); err != nil {
		return err
	}
	if err := batchCredits(batch, accounts, entries); err != nil {
		return err
	}
	return s.db.Write(batch)
}

func batchCredits(batch *leveldb.Batch, accounts []*models.Account, entries []*models.LedgerEntry) error {
	for _, acct := range accounts {
		if err := batchPut(batch, accountKey(acct.Address), acct); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		if err := batchEntry(batch, entry.To, entry); err != nil {
			return err
		}
	}
	return nil
}

// EntriesByAddress retrieves all committed ledger entries touching an address
func (s *Store) EntriesByAddress(address string) ([]*models.LedgerEntry, error) {
	prefix := prefixEntry + address + ":"
	iter := s.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	var entries []*models.LedgerEntry
	for iter.Next() {
		var e models.LedgerEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, iter.Error()
}

// PutRecord stores a content-addressed gossip record
func (s *Store) PutRecord(rec *models.GossipRecord) error {
	return s.put(prefixGossip+rec.Hash, rec)
}

// GetRecord retrieves a gossip record by hash
func (s *Store) GetRecord(hash string) (*models.GossipRecord, error) {
	var rec models.GossipRecord
	if err := s.get(prefixGossip+hash, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func batchPut(batch *leveldb.Batch, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	batch.Put([]byte(key), data)
	return nil
}

func batchEntry(batch *leveldb.Batch, addr string, e *models.LedgerEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	batch.Put([]byte(entryKey(addr, e, data)), data)
	return nil
}
