// Package ledger holds the account balances and the signed-transfer
// path. Every mutation is validated, replay-protected and committed
// atomically through the repository.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
)

var (
	ErrMalformed           = errors.New("ledger: malformed transfer")
	ErrInvalidSignature    = errors.New("ledger: invalid signature")
	ErrNonceReused         = errors.New("ledger: nonce already used")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

const transferReason = "transfer"

// Service validates and commits balance movements. Transfers touching
// an account are serialized by striped locks; settlement credits take
// the write side of the service lock so they never interleave with a
// transfer's check-then-commit.
type Service struct {
	repo  repository.LedgerRepository
	gate  sync.RWMutex
	locks [64]sync.Mutex
}

func NewService(repo repository.LedgerRepository) *Service {
	return &Service{repo: repo}
}

func (s *Service) lockIndex(address string) int {
	var idx byte
	for i := 0; i < len(address); i++ {
		idx = idx*31 + address[i]
	}
	return int(idx) % len(s.locks)
}

// lockPair acquires the stripes for both endpoints in index order so
// two transfers over the same accounts never deadlock.
func (s *Service) lockPair(a, b string) func() {
	i, j := s.lockIndex(a), s.lockIndex(b)
	if i == j {
		s.locks[i].Lock()
		return s.locks[i].Unlock
	}
	if i > j {
		i, j = j, i
	}
	s.locks[i].Lock()
	s.locks[j].Lock()
	return func() {
		s.locks[j].Unlock()
		s.locks[i].Unlock()
	}
}

// RegisterPublicKey derives the wallet address for a hex Ed25519 key
// and stores the key on the account so later transfers can verify
// against it. Registration is idempotent.
func (s *Service) RegisterPublicKey(pubHex string) (string, error) {
	address, err := crypto.AddressForHexKey(pubHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	s.locks[s.lockIndex(address)].Lock()
	defer s.locks[s.lockIndex(address)].Unlock()

	acct, err := s.accountOrNew(address)
	if err != nil {
		return "", err
	}
	if acct.PublicKey == pubHex {
		return address, nil
	}
	acct.PublicKey = pubHex
	if err := s.repo.PutAccount(acct); err != nil {
		return "", err
	}
	logger.Logger.Info("Registered wallet public key", zap.String("address", address))
	return address, nil
}

// Transfer validates req and, if every check passes, debits the sender
// and credits the recipient atomically. Checks run in a fixed order so
// a request failing several of them always reports the same error:
// shape, signature, nonce, balance.
func (s *Service) Transfer(req *models.TransferRequest, now int64) error {
	if err := validateShape(req); err != nil {
		return err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	unlock := s.lockPair(req.From, req.To)
	defer unlock()

	from, err := s.repo.GetAccount(req.From)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: sender %s has no registered key", ErrInvalidSignature, req.From)
	}
	if err != nil {
		return err
	}
	if from.PublicKey == "" || !crypto.VerifyJSON(from.PublicKey, req.SigningView(), req.Signature) {
		return ErrInvalidSignature
	}

	used, err := s.repo.IsNonceUsed(req.From, req.Nonce)
	if err != nil {
		return err
	}
	if used || req.Nonce <= from.LastNonce {
		return fmt.Errorf("%w: nonce %d", ErrNonceReused, req.Nonce)
	}

	if from.Balance < req.Amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, from.Balance, req.Amount)
	}

	to, err := s.accountOrNew(req.To)
	if err != nil {
		return err
	}

	from.Balance -= req.Amount
	from.LastNonce = req.Nonce
	to.Balance += req.Amount

	hash, err := crypto.DigestJSON(req.SigningView())
	if err != nil {
		return err
	}
	debit := &models.LedgerEntry{
		From: req.From, To: req.To, Amount: -req.Amount,
		Nonce: req.Nonce, Signature: req.Signature,
		Reason: transferReason, Memo: req.Memo, Hash: hash, Timestamp: now,
	}
	credit := &models.LedgerEntry{
		From: req.From, To: req.To, Amount: req.Amount,
		Nonce: req.Nonce, Signature: req.Signature,
		Reason: transferReason, Memo: req.Memo, Hash: hash, Timestamp: now,
	}

	if err := s.repo.ApplyTransfer(from, to, debit, credit); err != nil {
		return err
	}
	logger.Logger.Info("Transfer committed",
		zap.String("from", req.From), zap.String("to", req.To),
		zap.Int64("amount", req.Amount), zap.Uint64("nonce", req.Nonce))
	return nil
}

// CreditBatch applies admin credits to every address in rewards as one
// atomic commit. It holds the service gate exclusively, so no transfer
// can observe a half-applied batch.
func (s *Service) CreditBatch(rewards map[string]int64, reason string, now int64) error {
	if len(rewards) == 0 {
		return nil
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	accounts, entries, err := s.buildCredits(rewards, reason, now)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	if err := s.repo.ApplyCredits(accounts, entries); err != nil {
		return err
	}
	logger.Logger.Info("Reward credits committed",
		zap.String("reason", reason), zap.Int("accounts", len(accounts)))
	return nil
}

// CommitSettlement pays a settlement's rewards and persists the record
// itself in one atomic commit. The repository writes credits, carry
// and record as a single batch, so a crash mid-settlement leaves
// either a fully settled epoch or an untouched one that a retry can
// settle cleanly.
func (s *Service) CommitSettlement(st *models.EpochSettlement, now int64) error {
	s.gate.Lock()
	defer s.gate.Unlock()

	reason := fmt.Sprintf("epoch_%d_reward", st.Epoch)
	accounts, entries, err := s.buildCredits(st.Rewards, reason, now)
	if err != nil {
		return err
	}

	if err := s.repo.ApplySettlement(st, accounts, entries); err != nil {
		return err
	}
	logger.Logger.Info("Settlement committed",
		zap.Uint64("epoch", st.Epoch), zap.Int("accounts", len(accounts)))
	return nil
}

// buildCredits loads the reward accounts in deterministic address
// order and applies the credit amounts in memory. Caller holds the
// gate and commits the result.
func (s *Service) buildCredits(rewards map[string]int64, reason string, now int64) ([]*models.Account, []*models.LedgerEntry, error) {
	addresses := make([]string, 0, len(rewards))
	for addr := range rewards {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)

	accounts := make([]*models.Account, 0, len(addresses))
	entries := make([]*models.LedgerEntry, 0, len(addresses))
	for _, addr := range addresses {
		amount := rewards[addr]
		if amount <= 0 {
			continue
		}
		acct, err := s.accountOrNew(addr)
		if err != nil {
			return nil, nil, err
		}
		acct.Balance += amount
		accounts = append(accounts, acct)
		entries = append(entries, &models.LedgerEntry{
			To: addr, Amount: amount, Reason: reason, Timestamp: now,
		})
	}
	return accounts, entries, nil
}

// Balance returns the committed balance for address; unknown addresses
// hold zero.
func (s *Service) Balance(address string) (int64, error) {
	acct, err := s.repo.GetAccount(address)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the committed ledger entries touching address.
func (s *Service) History(address string) ([]*models.LedgerEntry, error) {
	return s.repo.EntriesByAddress(address)
}

func (s *Service) accountOrNew(address string) (*models.Account, error) {
	acct, err := s.repo.GetAccount(address)
	if errors.Is(err, repository.ErrNotFound) {
		return &models.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func validateShape(req *models.TransferRequest) error {
	switch {
	case req == nil:
		return ErrMalformed
	case req.Amount <= 0:
		return fmt.Errorf("%w: non-positive amount", ErrMalformed)
	case req.Nonce == 0:
		return fmt.Errorf("%w: nonce must be positive", ErrMalformed)
	case req.From == req.To:
		return fmt.Errorf("%w: self transfer", ErrMalformed)
	case !validAddress(req.From), !validAddress(req.To):
		return fmt.Errorf("%w: bad address", ErrMalformed)
	case req.Signature == "":
		return fmt.Errorf("%w: missing signature", ErrMalformed)
	case len(req.Memo) > 256:
		return fmt.Errorf("%w: memo too long", ErrMalformed)
	}
	return nil
}

func validAddress(addr string) bool {
	return strings.HasPrefix(addr, crypto.AddressPrefix) && len(addr) == len(crypto.AddressPrefix)+40
}
