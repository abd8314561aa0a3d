package svc

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"gistlock/pkg/domain"
	"gistlock/svc/auth"
	"gistlock/svc/cache"
	"gistlock/svc/db"
	"gistlock/svc/lim"
)

func newTestService(t *testing.T, cfg Config) (*Gist, *db.Memory) {
	t.Helper()
	store := db.NewMemory()
	h, err := auth.NewHasher(1, 1024, 1)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	return NewGist(store, h, cfg), store
}

func mustCreate(t *testing.T, s *Gist, params domain.CreateParams) *domain.Gist {
	t.Helper()
	g, err := s.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return g
}

func seedGist(t *testing.T, store db.Store, g *domain.Gist, blob []byte) {
	t.Helper()
	ctx := context.Background()
	if err := store.Put(ctx, blobKey(g.ID, g.CurrentVersionToken), blob, nil); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	raw, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("marshal seed meta: %v", err)
	}
	if err := store.Put(ctx, metaKey(g.ID), raw, nil); err != nil {
		t.Fatalf("seed meta: %v", err)
	}
}

func forceExpire(t *testing.T, store db.Store, id string) {
	t.Helper()
	ctx := context.Background()
	raw, err := store.Get(ctx, metaKey(id))
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	var g domain.Gist
	if err := json.Unmarshal(raw, &g); err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	past := domain.Now().Add(-time.Hour)
	g.ExpiresAt = &past
	raw, err = json.Marshal(&g)
	if err != nil {
		t.Fatalf("marshal meta: %v", err)
	}
	if err := store.Put(ctx, metaKey(id), raw, nil); err != nil {
		t.Fatalf("put meta: %v", err)
	}
}

type flakyStore struct {
	db.Store
	failPut    func(key string) bool
	failDelete func(key string) bool
	failList   bool
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if f.failPut != nil && f.failPut(key) {
		return errors.New("induced put failure")
	}
	return f.Store.Put(ctx, key, data, meta)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.failDelete != nil && f.failDelete(key) {
		return errors.New("induced delete failure")
	}
	return f.Store.Delete(ctx, key)
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	if f.failList {
		return nil, errors.New("induced list failure")
	}
	return f.Store.List(ctx, prefix)
}

func TestCreateAssignsIdentity(t *testing.T) {
	s, store := newTestService(t, Config{})
	blob := []byte("opaque ciphertext")
	g := mustCreate(t, s, domain.CreateParams{Blob: blob, BlobCount: 2})

	if g.ID == "" {
		t.Fatal("empty id")
	}
	if g.Version != 1 {
		t.Fatalf("got version %d, want 1", g.Version)
	}
	if !g.CreatedAt.Equal(g.UpdatedAt) {
		t.Fatalf("created %v != updated %v", g.CreatedAt, g.UpdatedAt)
	}
	if g.CreatedAt.Location() != time.UTC {
		t.Fatal("created_at not UTC")
	}
	if g.CreatedAt.Nanosecond()%int(time.Millisecond) != 0 {
		t.Fatalf("created_at %v not millisecond-truncated", g.CreatedAt)
	}
	if g.TotalSize != int64(len(blob)) {
		t.Fatalf("got total_size %d, want %d", g.TotalSize, len(blob))
	}
	if g.BlobCount != 2 {
		t.Fatalf("got blob_count %d, want 2", g.BlobCount)
	}
	if _, err := strconv.ParseInt(g.CurrentVersionToken, 10, 64); err != nil {
		t.Fatalf("version token %q not numeric: %v", g.CurrentVersionToken, err)
	}

	ctx := context.Background()
	stored, err := store.Get(ctx, blobKey(g.ID, g.CurrentVersionToken))
	if err != nil {
		t.Fatalf("stored blob: %v", err)
	}
	if !bytes.Equal(stored, blob) {
		t.Fatal("stored blob differs from input")
	}
	if got := store.Metadata(blobKey(g.ID, g.CurrentVersionToken))["gist"]; got != g.ID {
		t.Fatalf("blob object meta gist=%q, want %q", got, g.ID)
	}
}

func TestCreateBlobWrittenBeforeMeta(t *testing.T) {
	mem := db.NewMemory()
	h, err := auth.NewHasher(1, 1024, 1)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	flaky := &flakyStore{Store: mem, failPut: func(key string) bool {
		return strings.HasSuffix(key, "/meta")
	}}
	s := NewGist(flaky, h, Config{})

	_, err = s.Create(context.Background(), domain.CreateParams{Blob: []byte("x"), BlobCount: 1})
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage", err)
	}

	keys, err := mem.List(context.Background(), keyPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d keys after failed create, want the orphan blob only: %v", len(keys), keys)
	}
	if !strings.Contains(keys[0], "/blob/") {
		t.Fatalf("surviving key %q is not a blob", keys[0])
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s, _ := newTestService(t, Config{})
	past := domain.Now().Add(-time.Minute)
	huge := make([]byte, domain.MaxTotalSize+1)

	cases := []struct {
		name   string
		params domain.CreateParams
	}{
		{"empty blob", domain.CreateParams{Blob: nil, BlobCount: 1}},
		{"oversized blob", domain.CreateParams{Blob: huge, BlobCount: 1}},
		{"zero files", domain.CreateParams{Blob: []byte("x"), BlobCount: 0}},
		{"too many files", domain.CreateParams{Blob: []byte("x"), BlobCount: domain.MaxFileCount + 1}},
		{"bad editor prefs", domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Editor: domain.EditorPrefs{Theme: "neon"}}},
		{"past expiry", domain.CreateParams{Blob: []byte("x"), BlobCount: 1, ExpiresAt: &past}},
		{"empty pin", domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Create(context.Background(), tc.params); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestCreateProtectionClasses(t *testing.T) {
	s, _ := newTestService(t, Config{})

	pinned := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	if pinned.ProtectionClass() != domain.ProtectionPin {
		t.Fatalf("got class %v, want pin", pinned.ProtectionClass())
	}
	if pinned.EditPinHash == "" || pinned.EditPinSalt == "" {
		t.Fatal("pin record missing hash material")
	}
	if pinned.OneTimeView {
		t.Fatal("pin record must not be one-time-view")
	}

	otv := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.OneTimeViewProtection()})
	if otv.ProtectionClass() != domain.ProtectionOneTimeView {
		t.Fatalf("got class %v, want one_time_view", otv.ProtectionClass())
	}
	if otv.EditPinHash != "" || otv.EditPinSalt != "" {
		t.Fatal("one-time-view record carries pin material")
	}

	plain := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1})
	if plain.ProtectionClass() != domain.ProtectionNone {
		t.Fatalf("got class %v, want none", plain.ProtectionClass())
	}
}

func TestGetReturnsRecordAndBlob(t *testing.T) {
	s, _ := newTestService(t, Config{})
	blob := []byte("multi-file container ciphertext")
	created := mustCreate(t, s, domain.CreateParams{Blob: blob, BlobCount: 3})

	g, gotBlob, err := s.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if g.ID != created.ID || g.Version != 1 || g.BlobCount != 3 {
		t.Fatalf("unexpected record: %+v", g)
	}
	if !bytes.Equal(gotBlob, blob) {
		t.Fatal("blob mismatch")
	}
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestService(t, Config{})
	if _, _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("got %v, want ErrGistNotFound", err)
	}
}

func TestGetExpiredRecordStaysStored(t *testing.T) {
	s, store := newTestService(t, Config{})
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1})
	forceExpire(t, store, g.ID)

	if _, _, err := s.Get(context.Background(), g.ID); !errors.Is(err, domain.ErrGistExpired) {
		t.Fatalf("got %v, want ErrGistExpired", err)
	}
	if _, err := store.Get(context.Background(), metaKey(g.ID)); err != nil {
		t.Fatalf("expired record should remain stored: %v", err)
	}
}

func TestGetDoesNotConsumeOneTimeView(t *testing.T) {
	s, _ := newTestService(t, Config{})
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.OneTimeViewProtection()})

	for i := 0; i < 2; i++ {
		if _, _, err := s.Get(context.Background(), g.ID); err != nil {
			t.Fatalf("read %d: %v", i+1, err)
		}
	}
}

func TestGetServedFromCache(t *testing.T) {
	lru, err := cache.NewLRU(16)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	s, store := newTestService(t, Config{Cache: lru, CacheTTL: time.Minute})
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1})

	// Remove the stored metadata out from under the engine; the read
	// must still be answered by the cached record.
	if err := store.Delete(context.Background(), metaKey(g.ID)); err != nil {
		t.Fatalf("delete meta: %v", err)
	}
	got, _, err := s.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if got.ID != g.ID {
		t.Fatalf("got id %q, want %q", got.ID, g.ID)
	}
}

func TestUpdateReplacesBlobAndBumpsVersion(t *testing.T) {
	s, store := newTestService(t, Config{})
	first := []byte("version one")
	second := []byte("version two, longer")
	g := mustCreate(t, s, domain.CreateParams{Blob: first, BlobCount: 1, Protection: domain.PinProtection("4217")})

	// ExpectedVersion is informational outside strict mode.
	v, err := s.Update(context.Background(), g.ID, domain.UpdateParams{Blob: second, BlobCount: 2, Pin: "4217", ExpectedVersion: 99})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v != 2 {
		t.Fatalf("got version %d, want 2", v)
	}

	got, gotBlob, err := s.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if !bytes.Equal(gotBlob, second) {
		t.Fatal("blob not replaced")
	}
	if got.Version != 2 || got.TotalSize != int64(len(second)) || got.BlobCount != 2 {
		t.Fatalf("record not rewritten: %+v", got)
	}
	if got.CurrentVersionToken == g.CurrentVersionToken {
		t.Fatal("version token not rotated")
	}
	if !got.CreatedAt.Equal(g.CreatedAt) {
		t.Fatal("created_at must be immutable")
	}
	if got.UpdatedAt.Before(g.UpdatedAt) {
		t.Fatal("updated_at went backwards")
	}

	// The superseded blob stays retrievable for history.
	if _, err := store.Get(context.Background(), blobKey(g.ID, g.CurrentVersionToken)); err != nil {
		t.Fatalf("superseded blob gone: %v", err)
	}

	entries, err := s.History(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d history entries, want 1", len(entries))
	}
	e := entries[0]
	if e.VersionToken != g.CurrentVersionToken {
		t.Fatalf("history token %q, want superseded %q", e.VersionToken, g.CurrentVersionToken)
	}
	if e.Size != int64(len(first)) || e.FileCount != 1 {
		t.Fatalf("history entry describes wrong blob: %+v", e)
	}
	if e.EditedWithPin {
		t.Fatal("creation version must not be marked as a pin edit")
	}

	if _, err := s.Update(context.Background(), g.ID, domain.UpdateParams{Blob: []byte("v3"), BlobCount: 1, Pin: "4217"}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	entries, err = s.History(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d history entries, want 2", len(entries))
	}
	if !entries[0].EditedWithPin {
		t.Fatal("v2 entry must be marked as a pin edit")
	}
	if entries[1].EditedWithPin {
		t.Fatal("history not newest-first")
	}
}

func TestUpdateAuthorization(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()
	pinned := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	plain := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1})
	otv := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.OneTimeViewProtection()})

	up := domain.UpdateParams{Blob: []byte("y"), BlobCount: 1}

	if _, err := s.Update(ctx, pinned.ID, up); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("missing pin: got %v, want ErrUnauthorized", err)
	}
	up.Pin = "wrong"
	if _, err := s.Update(ctx, pinned.ID, up); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("wrong pin: got %v, want ErrForbidden", err)
	}
	up.Pin = "4217"
	if _, err := s.Update(ctx, plain.ID, up); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unprotected record: got %v, want ErrForbidden", err)
	}
	if _, err := s.Update(ctx, otv.ID, up); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("one-time-view record: got %v, want ErrForbidden", err)
	}

	got, _, err := s.Get(ctx, pinned.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("failed updates must not advance the version, got %d", got.Version)
	}
}

func TestUpdateStrictVersionCheck(t *testing.T) {
	s, _ := newTestService(t, Config{StrictVersionCheck: true})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})

	_, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217", ExpectedVersion: 7})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale version: got %v, want ErrVersionConflict", err)
	}

	v, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217", ExpectedVersion: 1})
	if err != nil {
		t.Fatalf("matching version: %v", err)
	}
	if v != 2 {
		t.Fatalf("got version %d, want 2", v)
	}
}

func TestUpdateExpired(t *testing.T) {
	s, store := newTestService(t, Config{})
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	forceExpire(t, store, g.ID)

	_, err := s.Update(context.Background(), g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217"})
	if !errors.Is(err, domain.ErrGistExpired) {
		t.Fatalf("got %v, want ErrGistExpired", err)
	}
}

func TestUpdateOverwritableFields(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{
		Blob:              []byte("x"),
		BlobCount:         1,
		Protection:        domain.PinProtection("4217"),
		EncryptedMetadata: &domain.EncryptedMetadata{IV: "iv1", Data: "d1"},
		Editor:            domain.EditorPrefs{IndentMode: "spaces", IndentSize: 2},
	})

	// Nil optionals leave fields untouched.
	if _, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := s.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EncryptedMetadata == nil || got.EncryptedMetadata.IV != "iv1" {
		t.Fatalf("encrypted metadata clobbered: %+v", got.EncryptedMetadata)
	}
	if got.IndentMode != "spaces" || got.IndentSize != 2 {
		t.Fatalf("editor prefs clobbered: %+v", got.EditorPrefs)
	}

	exp := domain.Now().Add(time.Hour)
	if _, err := s.Update(ctx, g.ID, domain.UpdateParams{
		Blob:              []byte("z"),
		BlobCount:         1,
		Pin:               "4217",
		ExpiresAt:         &exp,
		EncryptedMetadata: &domain.EncryptedMetadata{IV: "iv2", Data: "d2"},
		Editor:            &domain.EditorPrefs{IndentMode: "tabs", WrapMode: "off"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err = s.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("expiry not overwritten: %v", got.ExpiresAt)
	}
	if got.EncryptedMetadata.IV != "iv2" {
		t.Fatal("encrypted metadata not overwritten")
	}
	if got.IndentMode != "tabs" || got.WrapMode != "off" || got.IndentSize != 0 {
		t.Fatalf("editor prefs not replaced wholesale: %+v", got.EditorPrefs)
	}
}

func TestUpdateInvalidatesCache(t *testing.T) {
	lru, err := cache.NewLRU(16)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	s, _ := newTestService(t, Config{Cache: lru, CacheTTL: time.Minute})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})

	if _, _, err := s.Get(ctx, g.ID); err != nil {
		t.Fatalf("warm get: %v", err)
	}
	if _, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := s.Get(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("stale cached version %d served after update", got.Version)
	}
}

func TestDeleteIfNeededWithPin(t *testing.T) {
	s, store := newTestService(t, Config{})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	if _, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: []byte("y"), BlobCount: 1, Pin: "4217"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	deleted, err := s.DeleteIfNeeded(ctx, g.ID, "4217")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("deleted=false for a successful delete")
	}
	if _, _, err := s.Get(ctx, g.ID); !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("got %v after delete, want ErrGistNotFound", err)
	}
	keys, err := store.List(ctx, keyPrefix+g.ID+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("leftover objects after delete: %v", keys)
	}
}

func TestDeleteIfNeededAuthorization(t *testing.T) {
	s, _ := newTestService(t, Config{})
	ctx := context.Background()
	pinned := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	plain := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1})

	deleted, err := s.DeleteIfNeeded(ctx, pinned.ID, "")
	if deleted || !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("empty credential: got (%v, %v), want (false, ErrUnauthorized)", deleted, err)
	}
	deleted, err = s.DeleteIfNeeded(ctx, pinned.ID, "wrong")
	if deleted || !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("wrong pin: got (%v, %v), want (false, ErrForbidden)", deleted, err)
	}
	if _, _, err := s.Get(ctx, pinned.ID); err != nil {
		t.Fatalf("record should survive failed deletes: %v", err)
	}

	// Unprotected records are undeletable no matter what is presented,
	// including a correctly derived proof over their own fields.
	proof := auth.DeletionProofFor(plain)
	deleted, err = s.DeleteIfNeeded(ctx, plain.ID, proof)
	if deleted || !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unprotected: got (%v, %v), want (false, ErrForbidden)", deleted, err)
	}
	deleted, err = s.DeleteIfNeeded(ctx, plain.ID, "4217")
	if deleted || !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("unprotected with pin: got (%v, %v), want (false, ErrForbidden)", deleted, err)
	}

	deleted, err = s.DeleteIfNeeded(ctx, "missing", "4217")
	if deleted || !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("missing id: got (%v, %v), want (false, ErrGistNotFound)", deleted, err)
	}
}

func TestDeleteIfNeededExpired(t *testing.T) {
	s, store := newTestService(t, Config{})
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})
	forceExpire(t, store, g.ID)

	deleted, err := s.DeleteIfNeeded(context.Background(), g.ID, "4217")
	if deleted || !errors.Is(err, domain.ErrGistExpired) {
		t.Fatalf("got (%v, %v), want (false, ErrGistExpired)", deleted, err)
	}
}

func TestDeleteIfNeededCleanupFailureSurfaced(t *testing.T) {
	mem := db.NewMemory()
	h, err := auth.NewHasher(1, 1024, 1)
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	flaky := &flakyStore{Store: mem}
	s := NewGist(flaky, h, Config{})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})

	flaky.failDelete = func(key string) bool {
		return strings.Contains(key, "/blob/")
	}
	deleted, err := s.DeleteIfNeeded(ctx, g.ID, "4217")
	if !deleted {
		t.Fatal("metadata was removed, deleted must report true")
	}
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("got %v, want ErrStorage for failed blob cleanup", err)
	}
	if _, getErr := mem.Get(ctx, metaKey(g.ID)); !errors.Is(getErr, db.ErrKeyNotFound) {
		t.Fatal("metadata must be gone despite cleanup failure")
	}
}

func TestDeleteConsumesAttemptBudget(t *testing.T) {
	limiter := lim.New(60, 2)
	defer limiter.Stop()
	s, _ := newTestService(t, Config{Limiter: limiter})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("x"), BlobCount: 1, Protection: domain.PinProtection("4217")})

	for i := 0; i < 2; i++ {
		if _, err := s.DeleteIfNeeded(ctx, g.ID, "wrong"); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("attempt %d: got %v, want ErrForbidden", i+1, err)
		}
	}
	// Budget exhausted: even the correct credential is throttled now.
	deleted, err := s.DeleteIfNeeded(ctx, g.ID, "4217")
	if deleted || !errors.Is(err, domain.ErrTooManyAttempts) {
		t.Fatalf("got (%v, %v), want (false, ErrTooManyAttempts)", deleted, err)
	}
}

func TestHistoryNotFound(t *testing.T) {
	s, _ := newTestService(t, Config{})
	if _, err := s.History(context.Background(), "missing"); !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("got %v, want ErrGistNotFound", err)
	}
}

func TestHistoryCapDropsOldestBlobs(t *testing.T) {
	s, store := newTestService(t, Config{HistoryCap: 3})
	ctx := context.Background()
	g := mustCreate(t, s, domain.CreateParams{Blob: []byte("v1"), BlobCount: 1, Protection: domain.PinProtection("4217")})

	for i := 2; i <= 6; i++ {
		blob := []byte("v" + strconv.Itoa(i))
		if _, err := s.Update(ctx, g.ID, domain.UpdateParams{Blob: blob, BlobCount: 1, Pin: "4217"}); err != nil {
			t.Fatalf("update to v%d: %v", i, err)
		}
	}

	entries, err := s.History(ctx, g.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want cap of 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].CreatedAt.Before(entries[i].CreatedAt) {
			t.Fatal("history not newest-first")
		}
	}

	// Current blob plus the three retained history blobs.
	keys, err := store.List(ctx, blobPrefix(g.ID))
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	if len(keys) != 4 {
		t.Fatalf("got %d blobs, want 4 (current + 3 retained): %v", len(keys), keys)
	}
}

func TestOneTimeViewLifecycle(t *testing.T) {
	s, store := newTestService(t, Config{})
	ctx := context.Background()

	created := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	blob := bytes.Repeat([]byte{0xEE}, 1024)
	g := &domain.Gist{
		ID:                  "abc",
		CreatedAt:           created,
		UpdatedAt:           created,
		Version:             1,
		CurrentVersionToken: "1749290400000000000",
		TotalSize:           1024,
		BlobCount:           1,
		OneTimeView:         true,
	}
	seedGist(t, store, g, blob)

	proof := auth.DeriveDeletionProof("2025-06-07T10:00:00.000Z", 1024, "abc")

	got, gotBlob, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !got.OneTimeView || len(gotBlob) != 1024 {
		t.Fatalf("unexpected delivery: %+v, %d bytes", got, len(gotBlob))
	}

	deleted, err := s.DeleteIfNeeded(ctx, "abc", proof)
	if err != nil {
		t.Fatalf("post-delivery delete: %v", err)
	}
	if !deleted {
		t.Fatal("proof-backed delete reported false")
	}

	if _, _, err := s.Get(ctx, "abc"); !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("got %v after consumption, want ErrGistNotFound", err)
	}
	deleted, err = s.DeleteIfNeeded(ctx, "abc", proof)
	if deleted || !errors.Is(err, domain.ErrGistNotFound) {
		t.Fatalf("second delete: got (%v, %v), want (false, ErrGistNotFound)", deleted, err)
	}
	keys, err := store.List(ctx, keyPrefix+"abc/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("leftover objects: %v", keys)
	}
}
