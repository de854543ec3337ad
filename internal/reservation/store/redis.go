package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dockhold/internal/reservation/domain"
)

const (
	defaultPrefix     = "reservation:"
	defaultTripPrefix = "trip:bicycle:"
	dataSuffix        = ":data"
	markerSuffix      = ":ttl"
)

// Options tunes key layout and retention.
type Options struct {
	Prefix     string
	TripPrefix string
	// Grace keeps the data key alive past the marker so the expiry handler can still
	// read it. Zero means "same as the reservation TTL".
	Grace   time.Duration
	TripTTL time.Duration
}

// RedisStore keeps each reservation as a hash next to a bare TTL marker. The marker's
// expiry drives the keyspace path; the hash outlives it so the handler can read the
// record that expired.
type RedisStore struct {
	client  redis.Cmdable
	opts    Options
	create  *redis.Script
	cas     *redis.Script
	remove  *redis.Script
	failure *redis.Script
}

// NewRedisStore constructs the store.
func NewRedisStore(client redis.Cmdable, opts Options) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.TripPrefix == "" {
		opts.TripPrefix = defaultTripPrefix
	}
	if opts.TripTTL <= 0 {
		opts.TripTTL = 24 * time.Hour
	}
	return &RedisStore{
		client:  client,
		opts:    opts,
		create:  redis.NewScript(createLua),
		cas:     redis.NewScript(compareAndSetLua),
		remove:  redis.NewScript(deleteLua),
		failure: redis.NewScript(releaseFailedLua),
	}
}

// DataKey is the hash holding the reservation.
func (s *RedisStore) DataKey(id string) string { return s.opts.Prefix + id + dataSuffix }

// MarkerKey is the key whose expiry signals the keyspace path.
func (s *RedisStore) MarkerKey(id string) string { return s.opts.Prefix + id + markerSuffix }

// ParseMarkerKey extracts the reservation id from an expired marker key.
func (s *RedisStore) ParseMarkerKey(key string) (string, bool) {
	if !strings.HasPrefix(key, s.opts.Prefix) || !strings.HasSuffix(key, markerSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, s.opts.Prefix), markerSuffix)
	if id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}

func (s *RedisStore) userKey(userID string) string { return s.opts.Prefix + "user:" + userID }
func (s *RedisStore) failedKey() string            { return s.opts.Prefix + "release-failed" }
func (s *RedisStore) tripKey(bicycleID string) string {
	return s.opts.TripPrefix + bicycleID
}

func (s *RedisStore) keys(r domain.Reservation) []string {
	return []string{s.DataKey(r.ID), s.MarkerKey(r.ID), s.userKey(r.UserID), s.failedKey()}
}

// Create stores a PENDING reservation, its TTL marker and the user's active index.
func (s *RedisStore) Create(ctx context.Context, r domain.Reservation, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("reservation ttl must be positive")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	grace := s.opts.Grace
	if grace <= 0 {
		grace = ttl
	}
	created, err := s.create.Run(ctx, s.client, s.keys(r),
		r.ID, payload, string(r.Status), r.UserID, ttl.Milliseconds(), (ttl + grace).Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis create reservation: %w", err)
	}
	if created != 1 {
		return domain.ErrActiveReservation
	}
	return nil
}

// Get loads a reservation. The status field of the hash is authoritative.
func (s *RedisStore) Get(ctx context.Context, id string) (domain.Reservation, error) {
	values, err := s.client.HMGet(ctx, s.DataKey(id), "payload", "status").Result()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis hmget: %w", err)
	}
	payload, _ := values[0].(string)
	status, _ := values[1].(string)
	if payload == "" {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return decode(payload, status)
}

// CompareAndSetStatus atomically moves the reservation from one status to another
// and returns the record as it was before the write.
func (s *RedisStore) CompareAndSetStatus(ctx context.Context, id string, from, to domain.Status) (domain.Reservation, error) {
	result, err := s.cas.Run(ctx, s.client, []string{s.DataKey(id), s.MarkerKey(id)}, string(from), string(to)).Slice()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis compare-and-set: %w", err)
	}
	if len(result) != 2 {
		return domain.Reservation{}, errors.New("invalid redis response")
	}
	code, _ := result[0].(int64)
	value, _ := result[1].(string)
	switch code {
	case 1:
		return decode(value, string(from))
	case 2:
		return domain.Reservation{}, fmt.Errorf("%w: status %s", domain.ErrAlreadyTerminal, value)
	default:
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
}

// Delete removes the record, its marker and the user index when it still points at r.
func (s *RedisStore) Delete(ctx context.Context, r domain.Reservation) error {
	if err := s.remove.Run(ctx, s.client, s.keys(r), r.ID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis delete reservation: %w", err)
	}
	return nil
}

// MarkReleaseFailed persists the record without expiry and lists it for reconciliation.
func (s *RedisStore) MarkReleaseFailed(ctx context.Context, r domain.Reservation, cause string) error {
	if err := s.failure.Run(ctx, s.client, s.keys(r), r.ID, string(domain.StatusReleaseFailed), cause).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis mark release failed: %w", err)
	}
	return nil
}

// ListReleaseFailed returns every reservation awaiting reconciliation, dropping stale ids.
func (s *RedisStore) ListReleaseFailed(ctx context.Context) ([]domain.Reservation, error) {
	ids, err := s.client.SMembers(ctx, s.failedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrReservationNotFound) {
			_ = s.client.SRem(ctx, s.failedKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ActiveForUser returns the reservation id the user currently holds.
func (s *RedisStore) ActiveForUser(ctx context.Context, userID string) (string, bool, error) {
	id, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return id, true, nil
}

// PutTrip indexes a confirmed reservation by its bicycle.
func (s *RedisStore) PutTrip(ctx context.Context, r domain.Reservation) error {
	if r.BicycleID == nil || *r.BicycleID == "" {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal trip: %w", err)
	}
	if err := s.client.Set(ctx, s.tripKey(*r.BicycleID), payload, s.opts.TripTTL).Err(); err != nil {
		return fmt.Errorf("redis set trip: %w", err)
	}
	return nil
}

// TakeTrip removes and returns the trip of a bicycle.
func (s *RedisStore) TakeTrip(ctx context.Context, bicycleID string) (domain.Reservation, error) {
	payload, err := s.client.GetDel(ctx, s.tripKey(bicycleID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Reservation{}, domain.ErrNoActiveTrip
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("redis getdel trip: %w", err)
	}
	var r domain.Reservation
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode trip: %w", err)
	}
	return r, nil
}

func decode(payload, status string) (domain.Reservation, error) {
	var r domain.Reservation
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return domain.Reservation{}, fmt.Errorf("decode reservation: %w", err)
	}
	if status != "" {
		r.Status = domain.Status(status)
	}
	return r, nil
}

// KEYS: data, marker, user, failed. ARGV: id, payload, status, user, ttl_ms, data_ttl_ms.
const createLua = `
if redis.call('SET', KEYS[3], ARGV[1], 'NX', 'PX', ARGV[6]) == false then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'status', ARGV[3], 'user', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[5])
return 1
`

// KEYS: data, marker. ARGV: from, to.
// Returns {1, payload} on success, {2, current} on a status mismatch, {0, ''} when missing.
const compareAndSetLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if status == false then
  return {0, ''}
end
if status ~= ARGV[1] then
  return {2, status}
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
redis.call('DEL', KEYS[2])
return {1, redis.call('HGET', KEYS[1], 'payload')}
`

// KEYS: data, marker, user, failed. ARGV: id.
const deleteLua = `
redis.call('DEL', KEYS[1], KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
redis.call('SREM', KEYS[4], ARGV[1])
return 1
`

// KEYS: data, marker, user, failed. ARGV: id, status, cause.
const releaseFailedLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'cause', ARGV[3])
redis.call('PERSIST', KEYS[1])
redis.call('DEL', KEYS[2])
if redis.call('GET', KEYS[3]) == ARGV[1] then
  redis.call('DEL', KEYS[3])
end
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`
