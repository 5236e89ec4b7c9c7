package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChainManager handles the cryptographic chaining of audit events.
type ChainManager struct {
	secretKey []byte
}

// NewChainManager creates a new ChainManager with the given secret key.
func NewChainManager(secretKey []byte) *ChainManager {
	return &ChainManager{
		secretKey: secretKey,
	}
}

// ComputeHash computes the HMAC-SHA256 of the event including PreviousHash and excluding Hash.
func (c *ChainManager) ComputeHash(event *Event) (string, error) {
	// encoding/json sorts map keys, so Context hashes deterministically.
	payload := struct {
		ID           string         `json:"id"`
		Timestamp    string         `json:"timestamp"`
		PluginSlug   string         `json:"plugin_slug,omitempty"`
		Type         Type           `json:"type"`
		Message      string         `json:"message"`
		Severity     Severity       `json:"severity"`
		Actor        string         `json:"actor,omitempty"`
		Context      map[string]any `json:"context,omitempty"`
		PreviousHash string         `json:"previous_hash,omitempty"`
	}{
		ID:           event.ID,
		Timestamp:    event.Timestamp.UTC().Format(time.RFC3339Nano),
		PluginSlug:   event.PluginSlug,
		Type:         event.Type,
		Message:      event.Message,
		Severity:     event.Severity,
		Actor:        event.Actor,
		Context:      event.Context,
		PreviousHash: event.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain verifies the integrity of a slice of events.
func (c *ChainManager) VerifyChain(events []Event) error {
	for i := range events {
		event := &events[i]

		expectedHash, err := c.ComputeHash(event)
		if err != nil {
			return fmt.Errorf("failed to compute hash for event %s: %w", event.ID, err)
		}
		if !hmac.Equal([]byte(event.Hash), []byte(expectedHash)) {
			return fmt.Errorf("hash mismatch for event %s: expected %s, got %s", event.ID, expectedHash, event.Hash)
		}

		if i > 0 && event.PreviousHash != events[i-1].Hash {
			return fmt.Errorf("chain broken at event %s: previous hash %s does not match hash of event %s (%s)",
				event.ID, event.PreviousHash, events[i-1].ID, events[i-1].Hash)
		}
	}

	return nil
}
