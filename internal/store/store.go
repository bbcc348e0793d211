// Package store is the redis-backed shared state of the router: the
// response cache, the cross-replica dedupe locks and result handoff, and
// the rolling request counters behind the premium quota. Every replica
// points at the same keyspace; redis is the only coordination layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// Dedupe artifacts outlive the longest request by a small margin so a
	// crashed winner cannot wedge a fingerprint forever.
	dedupeLockTTL   = 35 * time.Second
	dedupeResultTTL = 35 * time.Second

	defaultNamespace    = "synqra:inference"
	defaultCacheTTL     = 300 * time.Second
	defaultCapRatio     = 0.01
	defaultClaudeWindow = 3600 * time.Second
	defaultPollInterval = 25 * time.Millisecond
)

// dedupeUnlockScript deletes a dedupe lock only when the caller still owns
// it, so a slow winner cannot release a lock that already expired and was
// re-acquired by someone else.
const dedupeUnlockScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local ok, payload = pcall(cjson.decode, raw)
if not ok then
  return 0
end
if payload["owner"] == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// claudeReserveScript trims both rolling counters, then atomically checks
// the projected premium ratio and records the reservation when it fits.
// Zero observed volume denies outright.
const claudeReserveScript = `
local total_key = KEYS[1]
local claude_key = KEYS[2]
local now_ms = tonumber(ARGV[1])
local cutoff_ms = tonumber(ARGV[2])
local cap_ratio = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", total_key, 0, cutoff_ms)
redis.call("ZREMRANGEBYSCORE", claude_key, 0, cutoff_ms)

local total_count = redis.call("ZCARD", total_key)
local claude_count = redis.call("ZCARD", claude_key)
if total_count == 0 then
  return {0, total_count, claude_count, "0"}
end

local projected_ratio = (claude_count + 1) / total_count
if projected_ratio <= cap_ratio then
  redis.call("ZADD", claude_key, now_ms, member)
  return {1, total_count, claude_count, tostring(projected_ratio)}
end
return {0, total_count, claude_count, tostring(projected_ratio)}
`

// Result is the provider outcome shape shared through the cache and the
// dedupe result handoff. Output stays loosely typed because the media
// provider may return a structured body instead of plain text.
type Result struct {
	Provider        string `json:"provider"`
	Route           string `json:"route"`
	Output          any    `json:"output"`
	ClaudeEscalated bool   `json:"claude_escalated"`
}

// Lock describes a held dedupe lock.
type Lock struct {
	Owner     string `json:"owner"`
	StartedMS int64  `json:"started_ms"`
}

// Reservation is the outcome of a premium quota attempt. Member is set
// only on an allowed reservation and is what ReleaseClaudeReservation
// takes back.
type Reservation struct {
	Allowed        bool
	TotalCount     int64
	ClaudeCount    int64
	ProjectedRatio float64
	Member         string
}

// Options configure a Store. Zero values fall back to the service
// defaults.
type Options struct {
	URL            string
	Namespace      string
	CacheTTL       time.Duration
	ClaudeCapRatio float64
	ClaudeWindow   time.Duration
}

// Store wraps a redis client with the router's keyspace and policies.
type Store struct {
	client    *redis.Client
	namespace string
	cacheTTL  time.Duration
	capRatio  float64
	window    time.Duration
	poll      time.Duration
	now       func() time.Time
}

// New connects to redis at opts.URL.
func New(opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(ropts), opts), nil
}

// NewWithClient wraps an existing client; tests inject a mock here.
func NewWithClient(client *redis.Client, opts Options) *Store {
	s := &Store{
		client:    client,
		namespace: opts.Namespace,
		cacheTTL:  opts.CacheTTL,
		capRatio:  opts.ClaudeCapRatio,
		window:    opts.ClaudeWindow,
		poll:      defaultPollInterval,
		now:       time.Now,
	}
	if s.namespace == "" {
		s.namespace = defaultNamespace
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	if s.capRatio <= 0 {
		s.capRatio = defaultCapRatio
	}
	if s.window <= 0 {
		s.window = defaultClaudeWindow
	}
	return s
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports whether redis answers.
func (s *Store) Ping(ctx context.Context) bool {
	if err := s.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed")
		return false
	}
	return true
}

// CacheTTL returns the configured response cache lifetime.
func (s *Store) CacheTTL() time.Duration { return s.cacheTTL }

// ClaudeCapRatio returns the configured premium ratio cap.
func (s *Store) ClaudeCapRatio() float64 { return s.capRatio }

func (s *Store) cacheKey(signature string) string {
	return fmt.Sprintf("%s:cache:%s", s.namespace, signature)
}

func (s *Store) dedupeLockKey(signature string) string {
	return fmt.Sprintf("%s:dedupe:lock:%s", s.namespace, signature)
}

func (s *Store) dedupeResultKey(signature string) string {
	return fmt.Sprintf("%s:dedupe:result:%s", s.namespace, signature)
}

func (s *Store) totalRequestsKey() string {
	return s.namespace + ":metrics:requests:total"
}

func (s *Store) claudeRequestsKey() string {
	return s.namespace + ":metrics:requests:claude"
}

// GetCached looks up a previously computed result. Store errors and
// undecodable entries read as misses so a redis outage degrades to
// recomputation instead of failures.
func (s *Store) GetCached(ctx context.Context, signature string) (*Result, bool) {
	raw, err := s.client.Get(ctx, s.cacheKey(signature)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("cache get failed, treating as miss")
		}
		return nil, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		log.Warn().Err(err).Msg("cache entry undecodable, treating as miss")
		return nil, false
	}
	return &res, true
}

// SetCached stores a result for the cache TTL. Best effort.
func (s *Store) SetCached(ctx context.Context, signature string, res *Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Msg("cache entry marshal failed")
		return
	}
	if err := s.client.Set(ctx, s.cacheKey(signature), payload, s.cacheTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("cache set failed")
	}
}

// TryAcquireLock attempts to become the single dispatcher for a
// fingerprint. Store errors report the lock as acquired: when redis is
// down every replica dispatches for itself rather than refusing traffic.
func (s *Store) TryAcquireLock(ctx context.Context, signature, owner string) bool {
	payload, err := json.Marshal(Lock{Owner: owner, StartedMS: s.now().UnixMilli()})
	if err != nil {
		log.Warn().Err(err).Msg("dedupe lock marshal failed")
		return true
	}
	acquired, err := s.client.SetNX(ctx, s.dedupeLockKey(signature), payload, dedupeLockTTL).Result()
	if err != nil {
		log.Warn().Err(err).Msg("dedupe lock acquire failed, proceeding unlocked")
		return true
	}
	return acquired
}

// GetLock reads the current lock holder for a fingerprint, if any.
func (s *Store) GetLock(ctx context.Context, signature string) (*Lock, bool) {
	raw, err := s.client.Get(ctx, s.dedupeLockKey(signature)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("dedupe lock get failed")
		}
		return nil, false
	}
	var lock Lock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		log.Warn().Err(err).Msg("dedupe lock undecodable")
		return nil, false
	}
	return &lock, true
}

// ReleaseLock deletes the lock if owner still holds it. Errors are
// swallowed; the TTL is the backstop.
func (s *Store) ReleaseLock(ctx context.Context, signature, owner string) {
	err := s.client.Eval(ctx, dedupeUnlockScript, []string{s.dedupeLockKey(signature)}, owner).Err()
	if err != nil {
		log.Warn().Err(err).Msg("dedupe lock release failed")
	}
}

// SetDedupeResult publishes the winner's result for waiting losers.
func (s *Store) SetDedupeResult(ctx context.Context, signature string, res *Result) {
	payload, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Msg("dedupe result marshal failed")
		return
	}
	if err := s.client.Set(ctx, s.dedupeResultKey(signature), payload, dedupeResultTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("dedupe result set failed")
	}
}

// WaitForResult polls the cache key and then the dedupe result key until a
// value appears or ctx is done. A store error aborts the wait early; the
// caller decides whether to dispatch on its own.
func (s *Store) WaitForResult(ctx context.Context, signature string) (*Result, bool) {
	cacheKey := s.cacheKey(signature)
	resultKey := s.dedupeResultKey(signature)
	for {
		for _, key := range []string{cacheKey, resultKey} {
			raw, err := s.client.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				log.Warn().Err(err).Msg("dedupe wait aborted")
				return nil, false
			}
			var res Result
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				log.Warn().Err(err).Msg("dedupe wait entry undecodable")
				return nil, false
			}
			return &res, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(s.poll):
		}
	}
}

// RecordRequest adds the request to the rolling total counter and trims
// entries older than the quota window. Best effort.
func (s *Store) RecordRequest(ctx context.Context, requestID string) {
	nowMS := s.now().UnixMilli()
	member := fmt.Sprintf("%d:%s", nowMS, requestID)
	err := s.client.ZAdd(ctx, s.totalRequestsKey(), redis.Z{Score: float64(nowMS), Member: member}).Err()
	if err != nil {
		log.Warn().Err(err).Msg("request volume record failed")
		return
	}
	cutoff := strconv.FormatInt(s.now().Add(-s.window).UnixMilli(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.totalRequestsKey(), "0", cutoff).Err(); err != nil {
		log.Warn().Err(err).Msg("request volume trim failed")
	}
}

// TryReserveClaude runs the atomic quota check. Store errors deny: a
// blind replica must not spend against the premium budget.
func (s *Store) TryReserveClaude(ctx context.Context, requestID string) Reservation {
	nowMS := s.now().UnixMilli()
	cutoffMS := s.now().Add(-s.window).UnixMilli()
	member := fmt.Sprintf("%d:%s", nowMS, requestID)

	raw, err := s.client.Eval(ctx, claudeReserveScript,
		[]string{s.totalRequestsKey(), s.claudeRequestsKey()},
		strconv.FormatInt(nowMS, 10),
		strconv.FormatInt(cutoffMS, 10),
		strconv.FormatFloat(s.capRatio, 'g', -1, 64),
		member,
	).Result()
	if err != nil {
		log.Warn().Err(err).Msg("premium reservation failed, denying")
		return Reservation{}
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		log.Warn().Interface("reply", raw).Msg("premium reservation reply malformed, denying")
		return Reservation{}
	}

	res := Reservation{
		Allowed:     redisInt(vals[0]) == 1,
		TotalCount:  redisInt(vals[1]),
		ClaudeCount: redisInt(vals[2]),
	}
	if ratio, err := strconv.ParseFloat(redisString(vals[3]), 64); err == nil {
		res.ProjectedRatio = ratio
	}
	if res.Allowed {
		res.Member = member
	}
	return res
}

// ReleaseClaudeReservation returns an unused reservation to the pool.
func (s *Store) ReleaseClaudeReservation(ctx context.Context, member string) {
	if err := s.client.ZRem(ctx, s.claudeRequestsKey(), member).Err(); err != nil {
		log.Warn().Err(err).Msg("premium reservation release failed")
	}
}

func redisInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func redisString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
