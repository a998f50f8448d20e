package session

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stratumcache/stratum/cache"
)

// Config configures a Store. Zero values fall back to defaults.
type Config struct {
	// SessionTTL is the access-token lifetime. Default 1h.
	SessionTTL time.Duration

	// RefreshTTL is the refresh-token lifetime. Default 168h. It is raised
	// to SessionTTL when configured shorter, keeping the refresh window at
	// least as long as the access window.
	RefreshTTL time.Duration

	// MaxSessionsPerUser caps concurrent sessions per user; the oldest by
	// last activity are evicted on overflow. Default 5.
	MaxSessionsPerUser int

	// ExtendOnActivity slides ExpiresAt forward on activity updates.
	ExtendOnActivity bool

	// ActivityThreshold suppresses activity writes when less than this has
	// elapsed since the last one, bounding write amplification under rapid
	// polling. Default 60s.
	ActivityThreshold time.Duration

	// CleanupInterval is the period of the index-pruning sweep. Zero
	// disables it.
	CleanupInterval time.Duration

	// Logger receives warnings. Nil means slog.Default().
	Logger *slog.Logger
}

// Store manages session records, the token and refresh-token indirections,
// and the per-user session index, all inside the cache abstraction it is
// given. Per-user index updates run under a striped lock, so within this
// process the session limit holds; across processes sharing an L2 the limit
// is a soft bound, since concurrent creates can both pass the limit check
// before either delete lands. That tolerance is accepted, not a defect to
// lock away.
type Store struct {
	c   cache.Interface
	cfg Config
	log *slog.Logger

	stripes [64]sync.Mutex
	users   sync.Map // userID -> struct{}; feeds the index sweep

	done      chan struct{}
	closeOnce sync.Once
	nowFunc   func() time.Time // for testing; defaults to time.Now
}

// NewStore creates a session store over c and starts its index sweep when
// CleanupInterval is set. Call Close to release the sweeper.
func NewStore(c cache.Interface, cfg Config) *Store {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 168 * time.Hour
	}
	if cfg.RefreshTTL < cfg.SessionTTL {
		cfg.RefreshTTL = cfg.SessionTTL
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 5
	}
	if cfg.ActivityThreshold <= 0 {
		cfg.ActivityThreshold = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Store{
		c:       c,
		cfg:     cfg,
		log:     cfg.Logger,
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	if cfg.CleanupInterval > 0 {
		go s.sweepLoop(cfg.CleanupInterval)
	}
	return s
}

// Create mints a new session for userID: a fresh id, access token, and
// refresh token, persisted with the session/user/device tags. Before
// inserting it enforces MaxSessionsPerUser by deleting the user's
// least-recently-active excess sessions. A write failure is propagated:
// callers must not treat a session they could not store as created.
func (s *Store) Create(ctx context.Context, userID string, device DeviceInfo, ip, userAgent string, metadata map[string]any) (*Data, error) {
	if userID == "" {
		return nil, errors.New("session: empty user id")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	live, err := s.liveSessionsLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if excess := len(live) - s.cfg.MaxSessionsPerUser + 1; excess > 0 {
		sort.Slice(live, func(i, j int) bool {
			return live[i].LastActivity.Before(live[j].LastActivity)
		})
		for _, old := range live[:excess] {
			s.removeSession(ctx, old)
		}
		live = live[excess:]
	}

	now := s.nowFunc()
	d := &Data{
		ID:               uuid.NewString(),
		UserID:           userID,
		Token:            newToken(),
		RefreshToken:     newToken(),
		ExpiresAt:        now.Add(s.cfg.SessionTTL),
		RefreshExpiresAt: now.Add(s.cfg.RefreshTTL),
		CreatedAt:        now,
		LastActivity:     now,
		Device:           device,
		IPAddress:        ip,
		UserAgent:        userAgent,
		IsActive:         true,
		Metadata:         metadata,
	}

	if err := s.writeSession(ctx, d); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(live)+1)
	for _, l := range live {
		ids = append(ids, l.ID)
	}
	ids = append(ids, d.ID)
	if err := s.saveIndex(ctx, userID, ids); err != nil {
		return nil, err
	}
	s.users.Store(userID, struct{}{})
	return d, nil
}

// Get loads a session by id. A session that is inactive or past its refresh
// window is deleted and reported as not found (nil, nil). An access-expired
// but refresh-valid session is still returned; Refresh needs it.
func (s *Store) Get(ctx context.Context, id string) (*Data, error) {
	d, err := s.load(ctx, id)
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsActive || !s.nowFunc().Before(d.RefreshExpiresAt) {
		s.drop(ctx, d)
		return nil, nil
	}
	return d, nil
}

// GetByToken resolves an access token to its session. An inactive or
// refresh-expired session is deleted outright; an access-expired one only
// loses its token indirection, keeping the record reachable for Refresh.
func (s *Store) GetByToken(ctx context.Context, token string) (*Data, error) {
	d, err := s.resolve(ctx, tokenKey(token))
	if err != nil || d == nil {
		return nil, err
	}
	now := s.nowFunc()
	if !d.IsActive || !now.Before(d.RefreshExpiresAt) {
		s.drop(ctx, d)
		return nil, nil
	}
	if !now.Before(d.ExpiresAt) {
		_, _ = s.c.Delete(ctx, tokenKey(token))
		return nil, nil
	}
	return d, nil
}

// GetByRefreshToken resolves a refresh token to its session, checking the
// refresh window independently of the access window.
func (s *Store) GetByRefreshToken(ctx context.Context, token string) (*Data, error) {
	d, err := s.resolve(ctx, refreshKey(token))
	if err != nil || d == nil {
		return nil, err
	}
	if !d.IsActive || !s.nowFunc().Before(d.RefreshExpiresAt) {
		s.drop(ctx, d)
		return nil, nil
	}
	return d, nil
}

// UpdateActivity records activity on the session. Within ActivityThreshold
// of the previous activity it is a no-op success. Otherwise LastActivity is
// updated, ExpiresAt optionally slides forward (capped at the refresh
// window), and the record and token indirection are re-persisted with TTLs
// recomputed from the new expiry.
func (s *Store) UpdateActivity(ctx context.Context, id string) (bool, error) {
	d, err := s.Get(ctx, id)
	if err != nil || d == nil {
		return false, err
	}
	now := s.nowFunc()
	if now.Sub(d.LastActivity) < s.cfg.ActivityThreshold {
		return true, nil
	}
	d.LastActivity = now
	if s.cfg.ExtendOnActivity {
		extended := now.Add(s.cfg.SessionTTL)
		if extended.After(d.RefreshExpiresAt) {
			extended = d.RefreshExpiresAt
		}
		d.ExpiresAt = extended
	}
	if err := s.writeSession(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

// Refresh rotates the session's token pair. The old tokens are deleted
// before the new pair is returned, so no caller of this operation ever
// holds two valid pairs at once. The session id never changes.
func (s *Store) Refresh(ctx context.Context, id string) (*Data, error) {
	d, err := s.load(ctx, id)
	if err != nil || d == nil {
		return nil, err
	}
	now := s.nowFunc()
	if !d.IsActive || !now.Before(d.RefreshExpiresAt) {
		s.drop(ctx, d)
		return nil, nil
	}

	_, _ = s.c.Delete(ctx, tokenKey(d.Token))
	_, _ = s.c.Delete(ctx, refreshKey(d.RefreshToken))

	d.Token = newToken()
	d.RefreshToken = newToken()
	d.ExpiresAt = now.Add(s.cfg.SessionTTL)
	if d.ExpiresAt.After(d.RefreshExpiresAt) {
		d.ExpiresAt = d.RefreshExpiresAt
	}
	d.LastActivity = now

	if err := s.writeSession(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete terminates a session: record, both indirections, and the id's
// entry in the per-user index.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	d, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if d == nil {
		ok, _ := s.c.Delete(ctx, sessionKey(id))
		return ok, nil
	}

	lock := s.userLock(d.UserID)
	lock.Lock()
	defer lock.Unlock()

	s.removeSession(ctx, d)
	ids, _ := s.loadIndex(ctx, d.UserID)
	pruned := ids[:0]
	for _, sid := range ids {
		if sid != d.ID {
			pruned = append(pruned, sid)
		}
	}
	if len(pruned) != len(ids) {
		_ = s.saveIndex(ctx, d.UserID, pruned)
	}
	return true, nil
}

// DeleteUserSessions terminates every session of userID and returns how
// many were removed.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	ids, err := s.loadIndex(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		d, err := s.load(ctx, id)
		if err != nil || d == nil {
			continue
		}
		s.removeSession(ctx, d)
		count++
	}
	_, _ = s.c.Delete(ctx, userIndexKey(userID))
	s.users.Delete(userID)
	return count, nil
}

// UserSessions returns the user's live sessions, most recently active
// first. Dead ids found in the index are pruned as a side effect.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]*Data, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	live, err := s.liveSessionsLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].LastActivity.After(live[j].LastActivity)
	})
	return live, nil
}

// Count returns the number of live sessions for userID.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	live, err := s.UserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(live), nil
}

// InvalidateDevice logs a device out everywhere by invalidating its tag:
// every session record and token indirection created from the fingerprint
// goes in one call, O(key count) not O(scan).
func (s *Store) InvalidateDevice(ctx context.Context, fingerprint string) (int, error) {
	return s.c.InvalidateByTag(ctx, deviceTag(fingerprint))
}

// Close stops the background index sweep.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// --- internals ---

func (s *Store) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

// load fetches and unmarshals a session record; (nil, nil) on a miss. A
// corrupt record is dropped and treated as a miss.
func (s *Store) load(ctx context.Context, id string) (*Data, error) {
	raw, ok, err := s.c.Get(ctx, sessionKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		s.log.Warn("dropping corrupt session record", "id", id, "error", err)
		_, _ = s.c.Delete(ctx, sessionKey(id))
		return nil, nil
	}
	return &d, nil
}

// resolve follows a token indirection key to its session record. A stale
// indirection pointing at a vanished session is cleaned up.
func (s *Store) resolve(ctx context.Context, indirectionKey string) (*Data, error) {
	raw, ok, err := s.c.Get(ctx, indirectionKey)
	if err != nil || !ok {
		return nil, err
	}
	d, err := s.load(ctx, string(raw))
	if err != nil {
		return nil, err
	}
	if d == nil {
		_, _ = s.c.Delete(ctx, indirectionKey)
		return nil, nil
	}
	return d, nil
}

// writeSession persists the record and both token indirections, tagged for
// user-, session-, and device-scoped invalidation. TTLs derive from the
// record's expiry fields; callers only write sessions inside their refresh
// window, so the record and refresh TTLs are positive. The access window may
// already be over (UpdateActivity without ExtendOnActivity), in which case
// the token indirection is removed instead of written: a nonpositive TTL
// would fall through to the layer default and revive the token.
func (s *Store) writeSession(ctx context.Context, d *Data) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "session: marshal")
	}
	now := s.nowFunc()
	tags := []string{sessionTag, userTag(d.UserID), deviceTag(d.Device.Fingerprint)}

	if err := s.c.Set(ctx, sessionKey(d.ID), raw, cache.Options{
		TTL:  d.RefreshExpiresAt.Sub(now),
		Tags: tags,
	}); err != nil {
		return errors.Wrap(err, "session: store record")
	}
	if accessTTL := d.ExpiresAt.Sub(now); accessTTL > 0 {
		if err := s.c.Set(ctx, tokenKey(d.Token), []byte(d.ID), cache.Options{
			TTL:  accessTTL,
			Tags: tags,
		}); err != nil {
			return errors.Wrap(err, "session: store token index")
		}
	} else {
		_, _ = s.c.Delete(ctx, tokenKey(d.Token))
	}
	if err := s.c.Set(ctx, refreshKey(d.RefreshToken), []byte(d.ID), cache.Options{
		TTL:  d.RefreshExpiresAt.Sub(now),
		Tags: tags,
	}); err != nil {
		return errors.Wrap(err, "session: store refresh index")
	}
	return nil
}

// removeSession deletes a session record and its indirections. Index
// maintenance is the caller's job.
func (s *Store) removeSession(ctx context.Context, d *Data) {
	_, _ = s.c.Delete(ctx, sessionKey(d.ID))
	_, _ = s.c.Delete(ctx, tokenKey(d.Token))
	_, _ = s.c.Delete(ctx, refreshKey(d.RefreshToken))
}

// drop removes a dead session and prunes it from the user index.
func (s *Store) drop(ctx context.Context, d *Data) {
	lock := s.userLock(d.UserID)
	lock.Lock()
	defer lock.Unlock()
	s.removeSession(ctx, d)
	ids, _ := s.loadIndex(ctx, d.UserID)
	pruned := ids[:0]
	for _, sid := range ids {
		if sid != d.ID {
			pruned = append(pruned, sid)
		}
	}
	if len(pruned) != len(ids) {
		_ = s.saveIndex(ctx, d.UserID, pruned)
	}
}

// liveSessionsLocked loads the user's live sessions and rewrites the index
// when dead ids were pruned. Caller holds the user's stripe.
func (s *Store) liveSessionsLocked(ctx context.Context, userID string) ([]*Data, error) {
	ids, err := s.loadIndex(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.nowFunc()
	live := make([]*Data, 0, len(ids))
	liveIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		d, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if d == nil || !d.IsActive || !now.Before(d.RefreshExpiresAt) {
			continue
		}
		live = append(live, d)
		liveIDs = append(liveIDs, id)
	}
	if len(liveIDs) != len(ids) {
		if err := s.saveIndex(ctx, userID, liveIDs); err != nil {
			s.log.Warn("session index prune failed", "user", userID, "error", err)
		}
	}
	return live, nil
}

func (s *Store) loadIndex(ctx context.Context, userID string) ([]string, error) {
	raw, ok, err := s.c.Get(ctx, userIndexKey(userID))
	if err != nil || !ok {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		s.log.Warn("dropping corrupt session index", "user", userID, "error", err)
		_, _ = s.c.Delete(ctx, userIndexKey(userID))
		return nil, nil
	}
	return ids, nil
}

func (s *Store) saveIndex(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		_, _ = s.c.Delete(ctx, userIndexKey(userID))
		return nil
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "session: marshal index")
	}
	err = s.c.Set(ctx, userIndexKey(userID), raw, cache.Options{
		TTL:  s.cfg.RefreshTTL,
		Tags: []string{userTag(userID)},
	})
	return errors.Wrap(err, "session: store index")
}

// sweepLoop periodically prunes dead ids from the per-user indexes of users
// this process has seen. Session records themselves expire via their TTLs;
// the sweep only keeps the indexes honest.
func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepIndexes()
		}
	}
}

func (s *Store) sweepIndexes() {
	ctx := context.Background()
	s.users.Range(func(key, _ any) bool {
		userID := key.(string)
		lock := s.userLock(userID)
		lock.Lock()
		live, err := s.liveSessionsLocked(ctx, userID)
		lock.Unlock()
		if err == nil && len(live) == 0 {
			s.users.Delete(userID)
		}
		return true
	})
}
