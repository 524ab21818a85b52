package repository

import (
	"errors"

	"github.com/rustchain/rustchain-go/models"
)

// ErrNotFound is returned when a record does not exist for the given
// primary key. Implementations translate their storage-level missing
// key error into this sentinel so callers can branch on absence.
var ErrNotFound = errors.New("repository: not found")

// IdentityRepository persists hardware identities keyed by their
// derived identity key.
type IdentityRepository interface {
	PutIdentity(id *models.HardwareIdentity) error
	GetIdentity(key string) (*models.HardwareIdentity, error)
	AllIdentities() ([]*models.HardwareIdentity, error)
}

// WeightRepository persists per-epoch weight entries. An identity has
// at most one entry per epoch; PutEntry upserts.
type WeightRepository interface {
	PutEntry(entry *models.EpochWeightEntry) error
	GetEntry(epoch uint64, identityKey string) (*models.EpochWeightEntry, error)
	EntriesByEpoch(epoch uint64) ([]*models.EpochWeightEntry, error)
}

// SettlementRepository reads epoch settlements and the carried-over
// pool from epochs that settled empty. Settlements are only written
// through LedgerRepository.ApplySettlement, which commits the record
// together with its reward credits.
type SettlementRepository interface {
	GetSettlement(epoch uint64) (*models.EpochSettlement, error)
	GetCarry() (int64, error)
}

// LedgerRepository persists accounts, committed ledger entries and the
// used-nonce set. ApplyTransfer, ApplyCredits and ApplySettlement must
// commit all their writes as a single atomic unit: balances, entries,
// nonce marks and the settlement record either all land or none do. A
// settlement record can therefore never exist without its credits, nor
// credits without the record.
type LedgerRepository interface {
	GetAccount(address string) (*models.Account, error)
	PutAccount(acct *models.Account) error
	IsNonceUsed(address string, nonce uint64) (bool, error)
	ApplyTransfer(from, to *models.Account, debit, credit *models.LedgerEntry) error
	ApplyCredits(accounts []*models.Account, entries []*models.LedgerEntry) error
	ApplySettlement(st *models.EpochSettlement, accounts []*models.Account, entries []*models.LedgerEntry) error
	EntriesByAddress(address string) ([]*models.LedgerEntry, error)
}

// GossipRepository persists content-addressed gossip records.
type GossipRepository interface {
	PutRecord(rec *models.GossipRecord) error
	GetRecord(hash string) (*models.GossipRecord, error)
}
