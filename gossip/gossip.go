// Package gossip reconciles state between nodes by content address:
// peers announce the digest of a record, interested peers fetch the
// full payload by that digest. No peer discovery, no transport
// security; this is the application layer only.
package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/crypto"
	"github.com/rustchain/rustchain-go/logger"
	"github.com/rustchain/rustchain-go/models"
	"github.com/rustchain/rustchain-go/repository"
)

var (
	ErrUnknownKind = errors.New("gossip: unknown record kind")
	ErrBadPayload  = errors.New("gossip: payload does not match hash")
)

// Announcement is what subscribers see on the feed: the content
// address plus just enough to decide whether to fetch.
type Announcement struct {
	Hash      string `json:"hash"`
	Kind      string `json:"kind"`
	CreatedAt int64  `json:"created_at"`
}

// Service stores content-addressed records and fans announcements out
// to the websocket feed.
type Service struct {
	repo repository.GossipRepository
	feed *Feed
}

func NewService(repo repository.GossipRepository, feed *Feed) *Service {
	return &Service{repo: repo, feed: feed}
}

// Announce stores payload under its canonical digest and broadcasts
// the announcement. Re-announcing identical content is a no-op with
// the same hash, so relayed records never duplicate.
func (s *Service) Announce(kind string, payload json.RawMessage, now int64) (*models.GossipRecord, error) {
	if kind != models.GossipAttestation && kind != models.GossipSettlement {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	hash, err := crypto.DigestJSON(v)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetRecord(hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	rec := &models.GossipRecord{Hash: hash, Kind: kind, Payload: payload, CreatedAt: now}
	if err := s.repo.PutRecord(rec); err != nil {
		return nil, err
	}

	if s.feed != nil {
		s.feed.Publish(Announcement{Hash: hash, Kind: kind, CreatedAt: now})
	}
	logger.Logger.Info("Gossip record announced",
		zap.String("kind", kind), zap.String("hash", hash[:12]))
	return rec, nil
}

// Fetch returns the stored record for a previously announced hash.
func (s *Service) Fetch(hash string) (*models.GossipRecord, error) {
	return s.repo.GetRecord(hash)
}
