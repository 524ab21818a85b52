// Package binding maps accepted fingerprints to stable hardware
// identities and enforces one reward-earning address per device.
package binding

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/fingerprint"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
)

// ErrHardwareBound is returned when a device key is already bound to a
// different address. The attestation must be rejected, never silently
// reassigned.
var ErrHardwareBound = errors.New("binding: hardware bound to another address")

// ConflictError carries the existing owner so the caller can report
// it. Shared network origin (NAT) can alias distinct devices into the
// same key; the reason is exposed so operators can special-case that
// instead of the engine hiding it.
type ConflictError struct {
	Key    string
	Owner  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("binding: key %s already bound to %s (%s)", e.Key[:12], e.Owner, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrHardwareBound }

// Moving-confidence parameters: conf' = (1-emaAlpha)*conf + emaAlpha*observed.
// A tier moves upward only once the moving confidence corroborates it.
const (
	emaAlpha          = 0.2
	tierUpgradeMinEMA = 0.5

	// DefaultLoyaltyGraceSeconds is how long an identity may go without
	// an accepted attestation before its loyalty streak resets.
	DefaultLoyaltyGraceSeconds = 48 * 3600
)

var tierRank = map[models.HardwareTier]int{
	models.TierVM:       0,
	models.TierModern:   1,
	models.TierHeritage: 2,
	models.TierVintage:  3,
	models.TierClassic:  4,
}

// DeriveKey computes the stable identity key from the network-observed
// origin and the claimed device traits. It is deliberately coarse, so
// the key survives minor fingerprint drift, but it never derives from
// the claimed address.
func DeriveKey(origin string, device models.DeviceClaims) string {
	material := strings.ToLower(fmt.Sprintf("%s|%s|%s|%d",
		strings.TrimSpace(origin), device.Arch, device.Family, device.Cores))
	return crypto.Digest([]byte(material))[:40]
}

// Binder owns the identity table. Same-key binds are serialized by a
// striped lock so the conflict check and the update are atomic.
type Binder struct {
	repo repository.IdentityRepository

	// LoyaltyGraceSeconds may be raised or lowered from configuration
	// before the binder starts serving.
	LoyaltyGraceSeconds int64

	locks [64]sync.Mutex
}

func NewBinder(repo repository.IdentityRepository) *Binder {
	return &Binder{repo: repo, LoyaltyGraceSeconds: DefaultLoyaltyGraceSeconds}
}

func (b *Binder) lockFor(key string) *sync.Mutex {
	var idx byte
	for i := 0; i < len(key); i++ {
		idx = idx*31 + key[i]
	}
	return &b.locks[int(idx)%len(b.locks)]
}

// Bind creates or refreshes the identity for the device behind origin.
// A new key binds to the claimed address; a known key bound to the
// same address is updated in place; a known key bound to a different
// address returns a ConflictError.
func (b *Binder) Bind(origin string, device models.DeviceClaims, address string, verdict fingerprint.Verdict, now int64) (*models.HardwareIdentity, error) {
	key := DeriveKey(origin, device)

	mu := b.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := b.repo.GetIdentity(key)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		id := &models.HardwareIdentity{
			Key:          key,
			Address:      address,
			Tier:         verdict.Tier,
			Confidence:   verdict.Confidence,
			FirstSeen:    now,
			StreakStart:  now,
			LastVerified: now,
			Attestations: 1,
			Active:       true,
		}
		if err := b.repo.PutIdentity(id); err != nil {
			return nil, err
		}
		logger.Logger.Info("New hardware identity bound",
			zap.String("key", key[:12]), zap.String("address", address), zap.String("tier", string(id.Tier)))
		return id, nil
	}

	if existing.Address != address {
		logger.Logger.Warn("Rejected bind attempt on owned hardware",
			zap.String("key", key[:12]), zap.String("owner", existing.Address), zap.String("attempted", address))
		return nil, &ConflictError{
			Key:    key,
			Owner:  existing.Address,
			Reason: "key derives from network origin and device traits; shared NAT can alias distinct devices",
		}
	}

	existing.Confidence = (1-emaAlpha)*existing.Confidence + emaAlpha*verdict.Confidence
	if now-existing.LastVerified > b.LoyaltyGraceSeconds {
		existing.StreakStart = now
	}
	existing.LastVerified = now
	existing.Attestations++
	existing.Active = true

	// Tier changes only upward, and only once the moving confidence
	// corroborates the new evidence. One stray report never rewrites
	// an identity's accumulated history.
	if tierRank[verdict.Tier] > tierRank[existing.Tier] && existing.Confidence >= tierUpgradeMinEMA {
		existing.Tier = verdict.Tier
	}

	if err := b.repo.PutIdentity(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// MarkStale deactivates identities whose last verification is older
// than the liveness timeout. Identities are never deleted.
func (b *Binder) MarkStale(now, timeoutSeconds int64) (int, error) {
	ids, err := b.repo.AllIdentities()
	if err != nil {
		return 0, err
	}

	stale := 0
	for _, id := range ids {
		if id.Active && now-id.LastVerified > timeoutSeconds {
			id.Active = false
			if err := b.repo.PutIdentity(id); err != nil {
				return stale, err
			}
			stale++
		}
	}
	if stale > 0 {
		logger.Logger.Info("Marked stale identities inactive", zap.Int("count", stale))
	}
	return stale, nil
}
