// Package rediscache fronts a UserRepository with a Redis read-through
// cache of restorable user state.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/repository"
)

const (
	keyPrefix  = "mir:user_state:"
	defaultTTL = 24 * time.Hour
)

// Users caches LoadState results. Writes go to the underlying repository
// first and refresh the cache only when they succeed. Redis failures are
// logged and fall through to the repository.
type Users struct {
	next   repository.UserRepository
	client *redis.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

var _ repository.UserRepository = (*Users)(nil)

// New wraps next with a cache held in client.
func New(next repository.UserRepository, client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *Users {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Users{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "user_state_cache"),
	}
}

func (u *Users) key(externalID string) string {
	return keyPrefix + externalID
}

// Upsert implements repository.UserRepository.
func (u *Users) Upsert(ctx context.Context, rec models.UserUpsert) error {
	if err := u.next.Upsert(ctx, rec); err != nil {
		return err
	}
	u.store(ctx, rec.ExternalID, rec.State())
	return nil
}

// SaveState implements repository.UserRepository.
func (u *Users) SaveState(ctx context.Context, externalID string, state models.UserState) error {
	if err := u.next.SaveState(ctx, externalID, state); err != nil {
		return err
	}
	u.store(ctx, externalID, state)
	return nil
}

// LoadState implements repository.UserRepository.
func (u *Users) LoadState(ctx context.Context, externalID string) (*models.UserState, error) {
	val, err := u.client.Get(ctx, u.key(externalID)).Bytes()
	switch {
	case err == nil:
		var state models.UserState
		if jsonErr := json.Unmarshal(val, &state); jsonErr == nil {
			return &state, nil
		}
		u.logger.WithField("session", externalID).Warn("Discarding undecodable cached state")
	case !errors.Is(err, redis.Nil):
		u.logger.WithError(err).WithField("session", externalID).Warn("State cache read failed")
	}

	state, err := u.next.LoadState(ctx, externalID)
	if err != nil || state == nil {
		return state, err
	}
	u.store(ctx, externalID, *state)
	return state, nil
}

// Invalidate drops the cached state for externalID.
func (u *Users) Invalidate(ctx context.Context, externalID string) error {
	return u.client.Del(ctx, u.key(externalID)).Err()
}

func (u *Users) store(ctx context.Context, externalID string, state models.UserState) {
	val, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := u.client.Set(ctx, u.key(externalID), val, u.ttl).Err(); err != nil {
		u.logger.WithError(err).WithField("session", externalID).Warn("State cache write failed")
	}
}
