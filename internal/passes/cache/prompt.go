package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"ms-gatepass/internal/models"
)

const promptKeyPrefix = "pass:prompt:"

// PromptStore keeps the short-lived tokens that bridge the two phases of a
// session-pass confirmation. Tokens live only in Redis under their TTL.
type PromptStore struct {
	Client *redis.Client
}

func NewPromptStore(client *redis.Client) *PromptStore {
	return &PromptStore{Client: client}
}

// Issue creates a single-use token for a UID with the remaining-uses snapshot
// at issuance time.
func (s *PromptStore) Issue(ctx context.Context, uid string, remainingUses int, ttl time.Duration) (*models.PromptToken, error) {
	now := time.Now()
	token := models.PromptToken{
		Token:         uuid.NewString(),
		UID:           uid,
		RemainingUses: remainingUses,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt token: %w", err)
	}
	if err := s.Client.Set(ctx, promptKeyPrefix+token.Token, payload, ttl).Err(); err != nil {
		return nil, err
	}
	return &token, nil
}

// Peek reads a token without consuming it. Returns nil for unknown or
// expired tokens.
func (s *PromptStore) Peek(ctx context.Context, token string) (*models.PromptToken, error) {
	payload, err := s.Client.Get(ctx, promptKeyPrefix+token).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pt models.PromptToken
	if err := json.Unmarshal([]byte(payload), &pt); err != nil {
		return nil, fmt.Errorf("unmarshal prompt token: %w", err)
	}
	return &pt, nil
}

// Consume deletes the token and reports whether this caller was the one that
// consumed it. DEL's removed-key count makes the single-use guarantee: only
// one concurrent consumer sees count 1.
func (s *PromptStore) Consume(ctx context.Context, token string) (bool, error) {
	removed, err := s.Client.Del(ctx, promptKeyPrefix+token).Result()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}
