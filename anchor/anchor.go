// Package anchor publishes settlement digests to an external timestamp
// service. Anchoring is strictly best-effort: a settlement is final
// the moment it is persisted locally, and no anchor failure may delay
// or roll it back.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/logger"
)

// Emitter posts {epoch, digest} to the configured URL. An empty URL
// disables anchoring.
type Emitter struct {
	url    string
	client *http.Client
}

func NewEmitter(url string, timeout time.Duration) *Emitter {
	return &Emitter{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an anchor URL is configured.
func (e *Emitter) Enabled() bool { return e.url != "" }

// Submit posts the digest once. Failures are logged and swallowed;
// there is no retry queue.
func (e *Emitter) Submit(ctx context.Context, epoch uint64, digest string) error {
	if !e.Enabled() {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"epoch":  epoch,
		"digest": digest,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		logger.Logger.Warn("Anchor submission failed",
			zap.Uint64("epoch", epoch), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Logger.Warn("Anchor service rejected digest",
			zap.Uint64("epoch", epoch), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("anchor: status %d", resp.StatusCode)
	}

	logger.Logger.Info("Settlement digest anchored",
		zap.Uint64("epoch", epoch), zap.String("digest", digest[:12]))
	return nil
}
