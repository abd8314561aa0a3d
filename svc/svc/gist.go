// Package svc implements the versioned gist record store: creation,
// cached reads, PIN-authorized updates with bounded version history,
// and credential-gated deletion.
package svc

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"gistlock/metrics"
	"gistlock/pkg/domain"
	"gistlock/svc/auth"
	"gistlock/svc/cache"
	"gistlock/svc/db"
	"gistlock/svc/lim"
	"gistlock/svc/util"
)

const keyPrefix = "gist/"

func metaKey(id string) string        { return keyPrefix + id + "/meta" }
func historyKey(id string) string     { return keyPrefix + id + "/history" }
func blobPrefix(id string) string     { return keyPrefix + id + "/blob/" }
func blobKey(id, token string) string { return blobPrefix(id) + token }

func newVersionToken() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

func blobMeta(id string) map[string]string {
	return map[string]string{"gist": id}
}

// Config carries the engine's toggles and optional collaborators as an
// explicit value so tests can run several independent configurations
// side by side.
type Config struct {
	// StrictVersionCheck rejects updates whose expected version does
	// not match the stored one. Off, the stored version still advances
	// by one and the last writer wins.
	StrictVersionCheck bool
	CacheTTL           time.Duration
	HistoryCap         int
	Cache              *cache.LRU
	Limiter            *lim.Limiter
}

type Gist struct {
	store   db.Store
	hasher  *auth.Hasher
	history *History
	cfg     Config
	loads   singleflight.Group
}

func NewGist(store db.Store, hasher *auth.Hasher, cfg Config) *Gist {
	if store == nil || hasher == nil {
		panic("gist service: nil store or hasher")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Gist{
		store:   store,
		hasher:  hasher,
		history: NewHistory(store, cfg.HistoryCap),
		cfg:     cfg,
	}
}

// Create persists a new record. The blob is written before the
// metadata so a crash can orphan a blob but never leave a record
// pointing at nothing.
func (s *Gist) Create(ctx context.Context, params domain.CreateParams) (*domain.Gist, error) {
	if err := validateBlob(params.Blob, params.BlobCount); err != nil {
		return nil, err
	}
	if err := params.Editor.Validate(); err != nil {
		return nil, err
	}
	now := domain.Now()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return nil, errors.Wrap(domain.ErrInvalidInput, "expiry not in the future")
	}

	g := &domain.Gist{
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
		CurrentVersionToken: newVersionToken(),
		TotalSize:           int64(len(params.Blob)),
		BlobCount:           params.BlobCount,
		EncryptedMetadata:   params.EncryptedMetadata,
		EditorPrefs:         params.Editor,
	}
	if params.ExpiresAt != nil {
		exp := params.ExpiresAt.UTC().Truncate(time.Millisecond)
		g.ExpiresAt = &exp
	}
	switch params.Protection.Class() {
	case domain.ProtectionPin:
		if params.Protection.Pin() == "" {
			return nil, errors.Wrap(domain.ErrInvalidInput, "empty pin")
		}
		hash, salt, err := s.hasher.NewPinCredentials(params.Protection.Pin())
		if err != nil {
			return nil, errors.Wrap(err, "hash pin")
		}
		g.EditPinHash = hash
		g.EditPinSalt = salt
	case domain.ProtectionOneTimeView:
		g.OneTimeView = true
	}

	id, err := util.GenID(func(candidate string) (bool, error) {
		_, err := s.store.Get(ctx, metaKey(candidate))
		if errors.Is(err, db.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrapf(domain.ErrStorage, "check id %s: %v", candidate, err)
		}
		return true, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	g.ID = id

	if err := s.store.Put(ctx, blobKey(id, g.CurrentVersionToken), params.Blob, blobMeta(id)); err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "put blob %s: %v", id, err)
	}
	if err := s.putMeta(ctx, g); err != nil {
		return nil, err
	}
	s.cacheSet(ctx, g)
	metrics.GistCreated.Inc()
	util.Debug().
		Str("id", id).
		Int64("size", g.TotalSize).
		Str("class", g.ProtectionClass().String()).
		Msg("gist created")
	return g, nil
}

// Get returns the record and its current blob. Expired records are
// refused but left in place for housekeeping. One-time-view records
// are NOT consumed here; the delivery layer calls DeleteIfNeeded once
// it judges the content delivered, so a metadata fetch racing a blob
// fetch can never delete the blob out from under itself.
func (s *Gist) Get(ctx context.Context, id string) (*domain.Gist, []byte, error) {
	g, err := s.loadGist(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if g.Expired(domain.Now()) {
		return nil, nil, domain.ErrGistExpired
	}
	blob, err := s.store.Get(ctx, blobKey(id, g.CurrentVersionToken))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, nil, errors.Wrapf(domain.ErrStorage, "meta %s points at missing blob %s", id, g.CurrentVersionToken)
		}
		return nil, nil, errors.Wrapf(domain.ErrStorage, "get blob %s: %v", id, err)
	}
	metrics.GistRetrieved.Inc()
	return g, blob, nil
}

// Update replaces the blob and overwritable metadata of a
// PIN-protected record. The stored version advances by exactly one per
// successful call; the superseded blob is retained through History.
func (s *Gist) Update(ctx context.Context, id string, params domain.UpdateParams) (int64, error) {
	if err := validateBlob(params.Blob, params.BlobCount); err != nil {
		return 0, err
	}
	if params.Editor != nil {
		if err := params.Editor.Validate(); err != nil {
			return 0, err
		}
	}
	now := domain.Now()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return 0, errors.Wrap(domain.ErrInvalidInput, "expiry not in the future")
	}

	// Mutations always read the store directly. A cached copy could
	// carry stale PIN material or a stale version.
	g, err := s.fetchGist(ctx, id)
	if err != nil {
		return 0, err
	}
	if g.Expired(now) {
		return 0, domain.ErrGistExpired
	}
	if g.ProtectionClass() != domain.ProtectionPin {
		return 0, errors.Wrap(domain.ErrForbidden, "record is not editable")
	}
	if params.Pin == "" {
		return 0, domain.ErrUnauthorized
	}
	if err := s.allowAttempt(id); err != nil {
		return 0, err
	}
	if !s.hasher.ValidatePin(params.Pin, g) {
		metrics.AuthFailures.WithLabelValues("update").Inc()
		return 0, errors.Wrap(domain.ErrForbidden, "pin rejected")
	}
	if s.cfg.StrictVersionCheck && params.ExpectedVersion != g.Version {
		return 0, errors.Wrapf(domain.ErrVersionConflict, "expected %d, stored %d", params.ExpectedVersion, g.Version)
	}

	newToken := newVersionToken()
	if err := s.store.Put(ctx, blobKey(id, newToken), params.Blob, blobMeta(id)); err != nil {
		return 0, errors.Wrapf(domain.ErrStorage, "put blob %s: %v", id, err)
	}

	superseded := domain.VersionHistoryEntry{
		VersionToken:  g.CurrentVersionToken,
		CreatedAt:     g.UpdatedAt,
		Size:          g.TotalSize,
		FileCount:     g.BlobCount,
		EditedWithPin: g.Version > 1,
	}
	evicted, err := s.history.Record(ctx, id, superseded)
	if err != nil {
		return 0, err
	}
	for _, old := range evicted {
		if err := s.store.Delete(ctx, blobKey(id, old.VersionToken)); err != nil {
			util.Warn().Err(err).Str("id", id).Str("token", old.VersionToken).Msg("failed to delete evicted blob")
		}
	}

	g.Version++
	g.UpdatedAt = now
	g.CurrentVersionToken = newToken
	g.TotalSize = int64(len(params.Blob))
	g.BlobCount = params.BlobCount
	if params.ExpiresAt != nil {
		exp := params.ExpiresAt.UTC().Truncate(time.Millisecond)
		g.ExpiresAt = &exp
	}
	if params.EncryptedMetadata != nil {
		g.EncryptedMetadata = params.EncryptedMetadata
	}
	if params.Editor != nil {
		g.EditorPrefs = *params.Editor
	}
	if err := s.putMeta(ctx, g); err != nil {
		return 0, err
	}
	s.cacheDelete(id)
	metrics.GistUpdated.Inc()
	util.Debug().Str("id", id).Int64("version", g.Version).Msg("gist updated")
	return g.Version, nil
}

// DeleteIfNeeded removes a record when the presented credential proves
// the right to: the record's PIN, or the deletion proof for a
// one-time-view record. The returned bool reports whether the record
// was actually removed; it can be true alongside a StorageError when
// blob or history cleanup failed after the metadata was already gone.
func (s *Gist) DeleteIfNeeded(ctx context.Context, id, credential string) (bool, error) {
	g, err := s.fetchGist(ctx, id)
	if err != nil {
		return false, err
	}
	class := g.ProtectionClass()
	if class == domain.ProtectionNone {
		return false, errors.Wrap(domain.ErrForbidden, "record has no deletion path")
	}
	if g.Expired(domain.Now()) {
		return false, domain.ErrGistExpired
	}
	if credential == "" {
		return false, domain.ErrUnauthorized
	}
	if err := s.allowAttempt(id); err != nil {
		return false, err
	}
	var valid bool
	switch class {
	case domain.ProtectionPin:
		valid = s.hasher.ValidatePin(credential, g)
	case domain.ProtectionOneTimeView:
		valid = auth.ValidateDeletionProof(credential, g)
	}
	if !valid {
		metrics.AuthFailures.WithLabelValues("delete").Inc()
		return false, errors.Wrap(domain.ErrForbidden, "credential rejected")
	}

	// Metadata goes first. Once it is gone the record is unreachable
	// and no credential can authorize against it anymore.
	if err := s.store.Delete(ctx, metaKey(id)); err != nil {
		return false, errors.Wrapf(domain.ErrStorage, "delete meta %s: %v", id, err)
	}
	s.cacheDelete(id)
	metrics.GistDeleted.Inc()

	var cleanupErr error
	keys, err := s.store.List(ctx, blobPrefix(id))
	if err != nil {
		cleanupErr = errors.Wrapf(domain.ErrStorage, "list blobs %s: %v", id, err)
	} else {
		for _, key := range keys {
			if err := s.store.Delete(ctx, key); err != nil && cleanupErr == nil {
				cleanupErr = errors.Wrapf(domain.ErrStorage, "delete blob %s: %v", key, err)
			}
		}
	}
	if err := s.history.Purge(ctx, id); err != nil && cleanupErr == nil {
		cleanupErr = err
	}
	if cleanupErr != nil {
		util.Warn().Err(cleanupErr).Str("id", id).Msg("gist deleted with leftover objects")
		return true, cleanupErr
	}
	util.Info().Str("id", id).Str("class", class.String()).Msg("gist deleted")
	return true, nil
}

// History lists the retained superseded versions of a record, newest
// first.
func (s *Gist) History(ctx context.Context, id string) ([]domain.VersionHistoryEntry, error) {
	if _, err := s.loadGist(ctx, id); err != nil {
		return nil, err
	}
	return s.history.List(ctx, id)
}

func (s *Gist) loadGist(ctx context.Context, id string) (*domain.Gist, error) {
	if s.cfg.Cache != nil {
		if g := s.cfg.Cache.Get(ctx, id); g != nil {
			metrics.CacheHits.Inc()
			return g, nil
		}
		metrics.CacheMisses.Inc()
	}
	v, err, _ := s.loads.Do(id, func() (interface{}, error) {
		if s.cfg.Cache != nil {
			if g := s.cfg.Cache.Get(ctx, id); g != nil {
				return g, nil
			}
		}
		g, err := s.fetchGist(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cacheSet(ctx, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Gist), nil
}

func (s *Gist) fetchGist(ctx context.Context, id string) (*domain.Gist, error) {
	raw, err := s.store.Get(ctx, metaKey(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, domain.ErrGistNotFound
		}
		return nil, errors.Wrapf(domain.ErrStorage, "get meta %s: %v", id, err)
	}
	g := &domain.Gist{}
	if err := json.Unmarshal(raw, g); err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "decode meta %s: %v", id, err)
	}
	return g, nil
}

func (s *Gist) putMeta(ctx context.Context, g *domain.Gist) error {
	raw, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "marshal meta")
	}
	if err := s.store.Put(ctx, metaKey(g.ID), raw, nil); err != nil {
		return errors.Wrapf(domain.ErrStorage, "put meta %s: %v", g.ID, err)
	}
	return nil
}

func (s *Gist) allowAttempt(id string) error {
	if s.cfg.Limiter == nil {
		return nil
	}
	if !s.cfg.Limiter.Allow(id) {
		metrics.AttemptsThrottled.Inc()
		return domain.ErrTooManyAttempts
	}
	return nil
}

func (s *Gist) cacheSet(ctx context.Context, g *domain.Gist) {
	if s.cfg.Cache != nil {
		s.cfg.Cache.Set(ctx, g, s.cfg.CacheTTL)
	}
}

func (s *Gist) cacheDelete(id string) {
	if s.cfg.Cache != nil {
		s.cfg.Cache.Delete(id)
	}
}

func validateBlob(blob []byte, count int) error {
	if len(blob) == 0 {
		return errors.Wrap(domain.ErrInvalidInput, "empty blob")
	}
	if int64(len(blob)) > domain.MaxTotalSize {
		return errors.Wrapf(domain.ErrInvalidInput, "blob exceeds %d bytes", domain.MaxTotalSize)
	}
	if count < 1 || count > domain.MaxFileCount {
		return errors.Wrapf(domain.ErrInvalidInput, "file count %d out of range", count)
	}
	return nil
}
