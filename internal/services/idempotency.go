package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"fincore/internal/cache"
	"fincore/internal/core"
	"fincore/internal/log"
	"fincore/internal/metrics"
	"fincore/internal/storage"
)

const (
	DefaultIdempotencyTTL       = 24 * time.Hour
	DefaultIdempotencyCacheSize = 1024

	// reservationTTL bounds how long a crashed caller can block its token.
	reservationTTL = 2 * time.Minute
)

// IdempotencyGuard runs an operation at most once per (user, token).
//
// Duplicates in flight in this process share one call through
// singleflight. Across processes a durable reservation is taken before the
// call; whoever loses the insert reads the winner's stored response.
type IdempotencyGuard struct {
	store  storage.IdempotencyStore
	cache  cache.Cache[core.IdempotencyRecord]
	group  singleflight.Group
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger
}

func NewIdempotencyGuard(store storage.IdempotencyStore, c cache.Cache[core.IdempotencyRecord], ttl time.Duration, now func() time.Time, logger *log.Logger) *IdempotencyGuard {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = log.Default(log.ComponentCoordinator)
	}
	return &IdempotencyGuard{
		store:  store,
		cache:  c,
		ttl:    ttl,
		now:    now,
		logger: logger,
	}
}

type guardResult struct {
	response []byte
	replayed bool
}

// Do returns the stored response for (userID, key) when the request hash
// matches, or runs fn and stores its response. fn errors are returned and
// release the key so the caller may retry with the same token, except
// core.ErrUnsettled: then the key stays claimed until Release.
func (g *IdempotencyGuard) Do(ctx context.Context, userID, key, scope, hash string, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	v, err, _ := g.group.Do(userID+"|"+key, func() (any, error) {
		return g.do(ctx, userID, key, scope, hash, fn)
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(guardResult)
	return res.response, res.replayed, nil
}

func (g *IdempotencyGuard) do(ctx context.Context, userID, key, scope, hash string, fn func(context.Context) ([]byte, error)) (guardResult, error) {
	if rec, ok := g.cached(userID, key); ok {
		return g.replay(rec, hash)
	}

	now := g.now()
	reservation := &core.IdempotencyRecord{
		UserID:      userID,
		Key:         key,
		Scope:       scope,
		RequestHash: hash,
		Response:    []byte{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(reservationTTL),
	}
	err := g.store.SaveIdempotency(ctx, reservation)
	if errors.Is(err, core.ErrAlreadyExists) {
		rec, err := g.store.GetIdempotency(ctx, userID, key, now)
		if err != nil {
			return guardResult{}, core.Persistence("get idempotency key", err)
		}
		return g.replay(*rec, hash)
	}
	if err != nil {
		return guardResult{}, core.Persistence("reserve idempotency key", err)
	}

	resp, err := fn(ctx)
	if core.IsUnsettled(err) {
		g.hold(ctx, userID, key)
		return guardResult{}, err
	}
	if err != nil {
		if derr := g.store.DeleteIdempotency(ctx, userID, key); derr != nil {
			// The reservation expires on its own after reservationTTL.
			g.logger.WarnContext(ctx, "Failed to release idempotency key",
				log.FieldUserID, userID, log.FieldRequestKey, key, log.FieldError, derr)
		}
		return guardResult{}, err
	}

	expiresAt := g.now().Add(g.ttl)
	if err := g.store.CompleteIdempotency(ctx, userID, key, resp, expiresAt); err != nil {
		// The work is done; a retry inside reservationTTL is refused as in
		// progress instead of being executed again.
		g.logger.ErrorContext(ctx, "Failed to store idempotent response",
			log.FieldUserID, userID, log.FieldRequestKey, key, log.FieldError, err)
		return guardResult{response: resp}, nil
	}

	reservation.Response = resp
	reservation.ExpiresAt = expiresAt
	if g.cache != nil {
		g.cache.SetUntil(cacheKey(userID, key), *reservation, expiresAt)
	}
	return guardResult{response: resp}, nil
}

// hold keeps an empty reservation for the full TTL so retries are refused
// as in progress while the reconcile processor settles the request.
func (g *IdempotencyGuard) hold(ctx context.Context, userID, key string) {
	if err := g.store.CompleteIdempotency(ctx, userID, key, []byte{}, g.now().Add(g.ttl)); err != nil {
		g.logger.WarnContext(ctx, "Failed to hold idempotency key",
			log.FieldUserID, userID, log.FieldRequestKey, key, log.FieldError, err)
	}
}

// Release drops a key that is still held without a response. Keys that
// carry a stored response are left for replay.
func (g *IdempotencyGuard) Release(ctx context.Context, userID, key string) error {
	rec, err := g.store.GetIdempotency(ctx, userID, key, g.now())
	if core.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return core.Persistence("get idempotency key", err)
	}
	if len(rec.Response) > 0 {
		return nil
	}
	if err := g.store.DeleteIdempotency(ctx, userID, key); err != nil {
		return core.Persistence("release idempotency key", err)
	}
	return nil
}

func (g *IdempotencyGuard) cached(userID, key string) (core.IdempotencyRecord, bool) {
	if g.cache == nil {
		return core.IdempotencyRecord{}, false
	}
	return g.cache.Get(cacheKey(userID, key))
}

func (g *IdempotencyGuard) replay(rec core.IdempotencyRecord, hash string) (guardResult, error) {
	if rec.RequestHash != hash {
		return guardResult{}, core.NewValidationError("request_token", "token was already used for a different request")
	}
	if len(rec.Response) == 0 {
		return guardResult{}, errTokenInProgress()
	}
	if g.cache != nil {
		g.cache.SetUntil(cacheKey(rec.UserID, rec.Key), rec, rec.ExpiresAt)
	}
	metrics.IdempotentReplays.Inc()
	return guardResult{response: rec.Response, replayed: true}, nil
}

// Purge drops expired keys from the store.
func (g *IdempotencyGuard) Purge(ctx context.Context) (int64, error) {
	n, err := g.store.PurgeIdempotency(ctx, g.now())
	if err != nil {
		return 0, core.Persistence("purge idempotency keys", err)
	}
	return n, nil
}

func cacheKey(userID, key string) string { return userID + "|" + key }

// RequestHash fingerprints v by its JSON encoding.
func RequestHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
