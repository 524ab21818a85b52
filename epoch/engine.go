// Package epoch runs the consensus cycle: collect attestation-backed
// weight entries, freeze the live set at epoch close, and settle the
// reward pool exactly once per epoch.
package epoch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/anchor"
	"github.com/rustchain/rustchain-go/binding"
	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/fingerprint"
	"github.com/rustchain/rustchain-go/gossip"
	"github.com/rustchain/rustchain-go/ledger"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
	"github.com/rustchain/rustchain-go/weight"
)

var (
	ErrMalformedReport = errors.New("epoch: malformed attestation report")
	ErrBadSignature    = errors.New("epoch: attestation signature invalid")
	ErrHalted          = errors.New("epoch: settlement halted after internal fault")
	ErrNoProducers     = errors.New("epoch: no producers frozen for epoch")
	ErrFutureEpoch     = errors.New("epoch: epoch has not ended yet")
)

const secondsPerYear = 31_557_600 // 365.25 days

// Params are the epoch policy constants, loaded from configuration.
type Params struct {
	Slots            uint64 // slots per epoch
	SlotSeconds      int64
	LivenessSlots    uint64 // final slots that count for enrollment
	PoolURTC         int64  // base reward pool per epoch
	GenesisTimestamp int64
	AutoSettleEvery  time.Duration
	SettleLookback   uint64 // how many past epochs the auto-settler scans
}

// DefaultParams mirrors the shipped configuration.
func DefaultParams() Params {
	return Params{
		Slots:            144,
		SlotSeconds:      600,
		LivenessSlots:    20,
		PoolURTC:         150_000_000,
		GenesisTimestamp: 1764706927,
		AutoSettleEvery:  5 * time.Minute,
		SettleLookback:   8,
	}
}

// AttestationResult is the outcome of one submission. A rejected
// fingerprint is a result, not an error: no state was touched and the
// reasons explain why.
type AttestationResult struct {
	Accepted   bool                `json:"accepted"`
	Tier       models.HardwareTier `json:"hardware_class"`
	Multiplier int64               `json:"multiplier"`
	Epoch      uint64              `json:"epoch"`
	Reasons    []string            `json:"reasons,omitempty"`
}

// Status is the public view of the running epoch.
type Status struct {
	Epoch    uint64 `json:"epoch"`
	Slot     uint64 `json:"slot"`
	Pool     int64  `json:"pool"`
	Enrolled int    `json:"enrolled"`
}

// Engine owns the epoch lifecycle. Close and Settle share one mutex so
// an epoch freezes and settles in a single serialized critical section.
type Engine struct {
	params      Params
	weights     repository.WeightRepository
	settlements repository.SettlementRepository
	ledger      *ledger.Service
	validator   *fingerprint.Validator
	binder      *binding.Binder
	calc        weight.Calculator
	gossiper    *gossip.Service
	anchorer    *anchor.Emitter
	now         func() int64

	mu     sync.Mutex
	frozen map[uint64][]*models.EpochWeightEntry
	halted map[uint64]bool
}

func NewEngine(
	params Params,
	weights repository.WeightRepository,
	settlements repository.SettlementRepository,
	ledgerSvc *ledger.Service,
	validator *fingerprint.Validator,
	binder *binding.Binder,
	calc weight.Calculator,
	gossiper *gossip.Service,
	anchorer *anchor.Emitter,
) *Engine {
	return &Engine{
		params:      params,
		weights:     weights,
		settlements: settlements,
		ledger:      ledgerSvc,
		validator:   validator,
		binder:      binder,
		calc:        calc,
		gossiper:    gossiper,
		anchorer:    anchorer,
		now:         func() int64 { return time.Now().Unix() },
		frozen:      make(map[uint64][]*models.EpochWeightEntry),
		halted:      make(map[uint64]bool),
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() int64) { e.now = now }

func (e *Engine) epochSeconds() int64 {
	return int64(e.params.Slots) * e.params.SlotSeconds
}

// CurrentEpoch returns the epoch containing ts; time before genesis
// maps to epoch zero.
func (e *Engine) CurrentEpoch(ts int64) uint64 {
	elapsed := ts - e.params.GenesisTimestamp
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / e.epochSeconds())
}

// CurrentSlot returns the slot within the current epoch.
func (e *Engine) CurrentSlot(ts int64) uint64 {
	elapsed := ts - e.params.GenesisTimestamp
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed/e.params.SlotSeconds) % e.params.Slots
}

func (e *Engine) epochStart(epoch uint64) int64 {
	return e.params.GenesisTimestamp + int64(epoch)*e.epochSeconds()
}

// SubmitAttestation runs the full intake path: report shape, claimed
// address against public key, signature, fingerprint validation,
// hardware binding, weight entry upsert, gossip announce. A rejected
// fingerprint returns a result with reasons and no error; only binding
// conflicts and infrastructure faults surface as errors.
func (e *Engine) SubmitAttestation(report *models.FingerprintReport) (*AttestationResult, error) {
	if report == nil || report.Origin == "" || report.Address == "" ||
		report.PublicKey == "" || report.Timestamp <= 0 || len(report.Checks) == 0 {
		return nil, ErrMalformedReport
	}

	derived, err := crypto.AddressForHexKey(report.PublicKey)
	if err != nil || derived != report.Address {
		return nil, fmt.Errorf("%w: address does not match public key", ErrMalformedReport)
	}
	if !crypto.VerifyJSON(report.PublicKey, report.SigningView(), report.Signature) {
		return nil, ErrBadSignature
	}

	now := e.now()
	epoch := e.CurrentEpoch(now)

	verdict := e.validator.Validate(report)
	if !verdict.Accepted {
		logger.Logger.Info("Fingerprint rejected",
			zap.String("address", report.Address), zap.Strings("reasons", verdict.Reasons))
		return &AttestationResult{
			Accepted: false, Tier: verdict.Tier, Epoch: epoch, Reasons: verdict.Reasons,
		}, nil
	}

	id, err := e.binder.Bind(report.Origin, report.Device, report.Address, verdict, now)
	if err != nil {
		return nil, err
	}

	netAgeYears := float64(now-e.params.GenesisTimestamp) / secondsPerYear
	loyaltyYears := float64(now-id.StreakStart) / secondsPerYear
	mult := e.calc.Multiplier(id.Tier, netAgeYears, loyaltyYears, false)

	entry := &models.EpochWeightEntry{
		Epoch:           epoch,
		IdentityKey:     id.Key,
		Address:         id.Address,
		Multiplier:      mult,
		Tier:            id.Tier,
		LastAttestation: now,
	}
	if err := e.weights.PutEntry(entry); err != nil {
		return nil, err
	}

	if e.gossiper != nil {
		if payload, err := json.Marshal(report.SigningView()); err == nil {
			go e.gossiper.Announce(models.GossipAttestation, payload, now)
		}
	}

	return &AttestationResult{
		Accepted: true, Tier: id.Tier, Multiplier: mult, Epoch: epoch, Reasons: verdict.Reasons,
	}, nil
}

// Close freezes the producer set for an ended epoch: entries whose
// last attestation falls inside the liveness window, sorted by
// identity key. Closing is idempotent.
func (e *Engine) Close(epoch uint64) ([]*models.EpochWeightEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(epoch)
}

func (e *Engine) closeLocked(epoch uint64) ([]*models.EpochWeightEntry, error) {
	if frozen, ok := e.frozen[epoch]; ok {
		return frozen, nil
	}
	if e.CurrentEpoch(e.now()) <= epoch {
		return nil, ErrFutureEpoch
	}

	entries, err := e.weights.EntriesByEpoch(epoch)
	if err != nil {
		return nil, err
	}

	windowStart := e.epochStart(epoch) + int64(e.params.Slots-e.params.LivenessSlots)*e.params.SlotSeconds
	windowEnd := e.epochStart(epoch + 1)

	var frozen []*models.EpochWeightEntry
	for _, entry := range entries {
		if entry.LastAttestation >= windowStart && entry.LastAttestation < windowEnd {
			frozen = append(frozen, entry)
		}
	}
	sort.Slice(frozen, func(i, j int) bool {
		return frozen[i].IdentityKey < frozen[j].IdentityKey
	})

	e.frozen[epoch] = frozen
	logger.Logger.Info("Epoch closed",
		zap.Uint64("epoch", epoch), zap.Int("enrolled", len(entries)), zap.Int("live", len(frozen)))
	return frozen, nil
}

// Producer returns the scheduled block producer for a slot of a closed
// epoch: round-robin over the frozen set.
func (e *Engine) Producer(epoch, slot uint64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frozen, err := e.closeLocked(epoch)
	if err != nil {
		return "", err
	}
	if len(frozen) == 0 {
		return "", ErrNoProducers
	}
	return frozen[slot%uint64(len(frozen))].Address, nil
}

// Settle distributes the epoch pool exactly once. The stored
// settlement is checked before any other work: a second call returns
// the identical record without touching the ledger. The record, the
// carry and every reward credit land in one atomic ledger commit, so
// a crash mid-settlement leaves nothing paid and a retry settles the
// epoch cleanly. Any internal fault latches a halt flag for the epoch
// so the running process never doubles down on a failed attempt.
func (e *Engine) Settle(epoch uint64) (*models.EpochSettlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted[epoch] {
		return nil, fmt.Errorf("%w: epoch %d", ErrHalted, epoch)
	}

	existing, err := e.settlements.GetSettlement(epoch)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, e.halt(epoch, fmt.Errorf("idempotency check: %w", err))
	}

	frozen, err := e.closeLocked(epoch)
	if err != nil {
		return nil, err
	}

	carry, err := e.settlements.GetCarry()
	if err != nil {
		return nil, e.halt(epoch, fmt.Errorf("carry read: %w", err))
	}
	pool := e.params.PoolURTC + carry
	now := e.now()

	settlement := &models.EpochSettlement{
		Epoch:     epoch,
		Pool:      pool,
		Rewards:   map[string]int64{},
		SettledAt: now,
	}

	if len(frozen) == 0 {
		settlement.CarriedOver = pool
	} else {
		settlement.TotalWeight = totalWeight(frozen)
		settlement.Rewards = splitPool(pool, frozen)
	}

	// The signing view excludes the hash itself, so it can be sealed
	// before the commit and stored with the record.
	hash, err := crypto.DigestJSON(settlement.SigningView())
	if err != nil {
		return nil, e.halt(epoch, fmt.Errorf("settlement digest: %w", err))
	}
	settlement.Hash = hash

	if err := e.ledger.CommitSettlement(settlement, now); err != nil {
		return nil, e.halt(epoch, fmt.Errorf("settlement commit: %w", err))
	}

	logger.Logger.Info("Epoch settled",
		zap.Uint64("epoch", epoch), zap.Int64("pool", pool),
		zap.Int("recipients", len(settlement.Rewards)), zap.String("hash", hash[:12]))

	e.emit(settlement)
	return settlement, nil
}

// emit pushes the settlement to the anchor service and the gossip
// layer. Both are fire-and-forget: the settlement is already final.
func (e *Engine) emit(settlement *models.EpochSettlement) {
	if e.anchorer != nil && e.anchorer.Enabled() {
		go e.anchorer.Submit(context.Background(), settlement.Epoch, settlement.Hash)
	}
	if e.gossiper != nil {
		if payload, err := json.Marshal(settlement); err == nil {
			go e.gossiper.Announce(models.GossipSettlement, payload, settlement.SettledAt)
		}
	}
}

func (e *Engine) halt(epoch uint64, cause error) error {
	e.halted[epoch] = true
	logger.Logger.Error("Settlement halted",
		zap.Uint64("epoch", epoch), zap.Error(cause))
	return fmt.Errorf("%w: epoch %d: %v", ErrHalted, epoch, cause)
}

// Halted reports whether settlement for epoch is latched shut.
func (e *Engine) Halted(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted[epoch]
}

// CurrentStatus returns the running epoch, slot, distributable pool
// and enrollment count.
func (e *Engine) CurrentStatus() (*Status, error) {
	now := e.now()
	epoch := e.CurrentEpoch(now)

	entries, err := e.weights.EntriesByEpoch(epoch)
	if err != nil {
		return nil, err
	}
	carry, err := e.settlements.GetCarry()
	if err != nil {
		return nil, err
	}

	return &Status{
		Epoch:    epoch,
		Slot:     e.CurrentSlot(now),
		Pool:     e.params.PoolURTC + carry,
		Enrolled: len(entries),
	}, nil
}

// Run drives the background auto-settler until ctx is done: every tick
// it settles any recent ended epoch that has no settlement yet.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.params.AutoSettleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.settlePending()
		}
	}
}

func (e *Engine) settlePending() {
	current := e.CurrentEpoch(e.now())
	if current == 0 {
		return
	}
	first := uint64(0)
	if current > e.params.SettleLookback {
		first = current - e.params.SettleLookback
	}
	for epoch := first; epoch < current; epoch++ {
		if e.Halted(epoch) {
			continue
		}
		if _, err := e.settlements.GetSettlement(epoch); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			logger.Logger.Error("Auto-settle scan failed", zap.Uint64("epoch", epoch), zap.Error(err))
			continue
		}
		if _, err := e.Settle(epoch); err != nil {
			logger.Logger.Error("Auto-settle failed", zap.Uint64("epoch", epoch), zap.Error(err))
		}
	}
}

func totalWeight(entries []*models.EpochWeightEntry) int64 {
	var total int64
	for _, entry := range entries {
		total += entry.Multiplier
	}
	return total
}

// splitPool divides pool over the frozen entries proportionally to
// weight. Shares are truncated over the descending-weight order (ties
// by identity key) and the final entry absorbs the rounding residual,
// so the shares always sum to the pool exactly.
func splitPool(pool int64, frozen []*models.EpochWeightEntry) map[string]int64 {
	ordered := append([]*models.EpochWeightEntry(nil), frozen...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Multiplier != ordered[j].Multiplier {
			return ordered[i].Multiplier > ordered[j].Multiplier
		}
		return ordered[i].IdentityKey < ordered[j].IdentityKey
	})

	total := totalWeight(ordered)
	rewards := make(map[string]int64, len(ordered))
	var distributed int64
	for i, entry := range ordered {
		var share int64
		if i == len(ordered)-1 {
			share = pool - distributed
		} else {
			share = pool * entry.Multiplier / total
		}
		distributed += share
		rewards[entry.Address] += share
	}
	return rewards
}
