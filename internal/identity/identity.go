// Package identity issues anonymous session and user identifiers so
// analytics events can be joined to a visitor.
package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/headline-goat/abkit/internal/storage"
)

// Storage keys and id prefixes.
const (
	SessionKey    = "analytics_session_id"
	UserKey       = "analytics_user_id"
	SessionPrefix = "session_"
	UserPrefix    = "user_"
)

const suffixLen = 9

// Generator builds identifiers of the form prefix + unix millis + "_" +
// random suffix. Uniqueness is probabilistic.
type Generator struct {
	Now func() time.Time
}

// NewID returns a fresh identifier with the given prefix.
func (g Generator) NewID(prefix string) string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return prefix + strconv.FormatInt(now().UnixMilli(), 10) + "_" + suffix
}

// Resolve returns the identifier stored under key, creating and storing
// one if absent. If the store fails the new id is returned unpersisted.
func Resolve(ctx context.Context, kv storage.KV, key, prefix string, gen Generator, log zerolog.Logger) string {
	id, err := kv.Get(ctx, key)
	if err == nil && id != "" {
		return id
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("key", key).Msg("Identity storage unavailable, using temporary id")
		return gen.NewID(prefix)
	}

	id = gen.NewID(prefix)
	if err := kv.Set(ctx, key, id); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist identity")
	}
	return id
}

// Identity is the pair of identifiers attached to every tracked event.
type Identity struct {
	SessionID string
	UserID    string
}

// Load resolves the session id from the session-scoped store and the user
// id from the long-lived store.
func Load(ctx context.Context, session, user storage.KV, gen Generator, log zerolog.Logger) Identity {
	return Identity{
		SessionID: Resolve(ctx, session, SessionKey, SessionPrefix, gen, log),
		UserID:    Resolve(ctx, user, UserKey, UserPrefix, gen, log),
	}
}
