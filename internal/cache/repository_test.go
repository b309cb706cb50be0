package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestRepository(t *testing.T) (*Repository, *fakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	store := db.New(path)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	clock := newFakeClock()
	return NewRepository(store, WithClock(clock.Now)), clock, path
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// =====================================================
// Prediction Tests
// =====================================================

func TestRepository_PredictionFreshness(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CachePrediction(ctx, "ABC", "2026-03-01", json.RawMessage(`{"score":0.8}`)))

	got, err := repo.GetPrediction(ctx, "ABC", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ABC_2026-03-01", got.Key)
	assert.Equal(t, clock.Now().UnixMilli(), got.Timestamp)
	assert.Equal(t, models.FreshnessFresh, got.Freshness)
	assert.JSONEq(t, `{"score":0.8}`, string(got.Payload))

	clock.Advance(3 * time.Hour)
	got, err = repo.GetPrediction(ctx, "ABC", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessRecent, got.Freshness)

	clock.Advance(21 * time.Hour)
	got, err = repo.GetPrediction(ctx, "ABC", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessVeryStale, got.Freshness)
}

func TestRepository_RecachingRestampsRecord(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CachePrediction(ctx, "ABC", "d", nil))
	clock.Advance(13 * time.Hour)
	require.NoError(t, repo.CachePrediction(ctx, "ABC", "d", json.RawMessage(`1`)))

	got, err := repo.GetPrediction(ctx, "ABC", "d")
	require.NoError(t, err)
	assert.Equal(t, models.FreshnessFresh, got.Freshness)
	assert.JSONEq(t, `1`, string(got.Payload))
}

func TestRepository_MissReturnsNil(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	p, err := repo.GetPrediction(ctx, "none", "none")
	require.NoError(t, err)
	assert.Nil(t, p)

	img, err := repo.GetImage(ctx, "none")
	require.NoError(t, err)
	assert.Nil(t, img)

	action, err := repo.GetPendingAction(ctx, "none")
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestRepository_RejectsInvalidInput(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	err := repo.CachePrediction(ctx, "ABC", "d", json.RawMessage(`{broken`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = repo.CachePrediction(ctx, "", "d", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = repo.CacheGeoCell(ctx, "", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestRepository_PredictionIndexes(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CachePrediction(ctx, "ABC", "2026-03-01", nil))
	require.NoError(t, repo.CachePrediction(ctx, "ABC", "2026-03-02", nil))
	require.NoError(t, repo.CachePrediction(ctx, "XYZ", "2026-03-01", nil))

	byEntity, err := repo.GetPredictionsForEntity(ctx, "ABC")
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	byDate, err := repo.GetPredictionsForDate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Len(t, byDate, 2)
	for _, rec := range byDate {
		assert.Equal(t, models.FreshnessFresh, rec.Freshness)
	}
}

// =====================================================
// Reference Data Tests
// =====================================================

func TestRepository_SpeciesAndCells(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CacheSpecies(ctx, "bellis-perennis", "flower", json.RawMessage(`{"name":"daisy"}`)))
	require.NoError(t, repo.CacheSpecies(ctx, "quercus-robur", "tree", json.RawMessage(`{"name":"oak"}`)))
	require.NoError(t, repo.CacheGeoCell(ctx, "u4pruy", json.RawMessage(`{"lat":57.6}`)))

	sp, err := repo.GetSpecies(ctx, "bellis-perennis")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"daisy"}`, string(sp.Payload))

	trees, err := repo.GetSpeciesByCategory(ctx, "tree")
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, "quercus-robur", trees[0].Key)

	all, err := repo.GetAllSpecies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cells, err := repo.GetAllGeoCells(ctx)
	require.NoError(t, err)
	require.Len(t, cells, 1)

	cell, err := repo.GetGeoCell(ctx, "u4pruy")
	require.NoError(t, err)
	assert.Equal(t, "u4pruy", cell.Key)
}

func TestRepository_Favorites(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.AddFavorite(ctx, "site-1", json.RawMessage(`{"label":"home"}`)))

	ok, err := repo.IsFavorite(ctx, "site-1")
	require.NoError(t, err)
	assert.True(t, ok)

	favs, err := repo.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Len(t, favs, 1)

	require.NoError(t, repo.RemoveFavorite(ctx, "site-1"))
	require.NoError(t, repo.RemoveFavorite(ctx, "site-1"))

	ok, err = repo.IsFavorite(ctx, "site-1")
	require.NoError(t, err)
	assert.False(t, ok)

	fav, err := repo.GetFavorite(ctx, "site-1")
	require.NoError(t, err)
	assert.Nil(t, fav)
}

// =====================================================
// Image Tests
// =====================================================

func TestRepository_ImageRoundTripAndSniffing(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CacheImage(ctx, "img-png", pngHeader, ""))
	require.NoError(t, repo.CacheImage(ctx, "img-jpeg", []byte("not really"), "image/jpeg"))

	png, err := repo.GetImage(ctx, "img-png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", png.Payload.MimeType)
	assert.EqualValues(t, len(pngHeader), png.Payload.Size)
	assert.Equal(t, pngHeader, png.Payload.Data)
	assert.Equal(t, models.FreshnessFresh, png.Freshness)

	jpeg, err := repo.GetImage(ctx, "img-jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", jpeg.Payload.MimeType)
}

// =====================================================
// Retention Helper Tests
// =====================================================

func TestRepository_DeleteOlderThanIsInclusive(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CachePrediction(ctx, "A", "old", nil))
	require.NoError(t, repo.CacheImage(ctx, "old-img", []byte("x"), "text/plain"))
	cutoff := clock.Now()

	clock.Advance(time.Millisecond)
	require.NoError(t, repo.CachePrediction(ctx, "A", "new", nil))

	n, err := repo.DeletePredictionsOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.DeleteImagesOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := repo.GetPredictionsForEntity(ctx, "A")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "A_new", left[0].Key)
}

// =====================================================
// Size and Reset Tests
// =====================================================

func TestRepository_GetCacheSize(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	size, err := repo.GetCacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, repo.CacheSpecies(ctx, "s", "c", json.RawMessage(`{"a":1}`)))
	require.NoError(t, repo.CacheImage(ctx, "i", make([]byte, 500), "image/webp"))
	data := models.ActionData{
		Fields:      map[string]string{"note": "seen"},
		Attachments: []models.Attachment{{Name: "photo", Data: make([]byte, 2048)}},
	}
	_, err = repo.QueuePendingAction(ctx, data)
	require.NoError(t, err)

	imageMeta, err := json.Marshal(storedImage{MimeType: "image/webp", Size: 500})
	require.NoError(t, err)
	actionJSON, actionBlob, err := encodeAction(storedAction{}, data)
	require.NoError(t, err)

	want := int64(len(`{"a":1}`)) +
		int64(len(imageMeta)) + 500 +
		int64(len(actionJSON)) + int64(len(actionBlob))

	size, err = repo.GetCacheSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, size)
	assert.EqualValues(t, 2048, len(actionBlob))
}

func TestRepository_ClearAll(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CachePrediction(ctx, "A", "d", nil))
	require.NoError(t, repo.CacheSpecies(ctx, "s", "c", nil))
	require.NoError(t, repo.AddFavorite(ctx, "f", nil))
	_, err := repo.QueuePendingAction(ctx, models.ActionData{})
	require.NoError(t, err)

	require.NoError(t, repo.ClearAll(ctx))

	size, err := repo.GetCacheSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	n, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// =====================================================
// Pending Action Tests
// =====================================================

func TestRepository_QueuePendingAction(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	data := models.ActionData{
		Fields: map[string]string{"species": "bellis-perennis", "lat": "57.6"},
		Attachments: []models.Attachment{
			{Name: "photo", Filename: "a.png", MimeType: "image/png", Data: pngHeader},
			{Name: "empty", Data: []byte{}},
			{Name: "audio", Filename: "a.ogg", Data: []byte("OggS....")},
		},
	}

	id, err := repo.QueuePendingAction(ctx, data)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	got, err := repo.GetPendingAction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, clock.Now().UnixMilli(), got.Timestamp)
	assert.Equal(t, data.Fields, got.Data.Fields)
	require.Len(t, got.Data.Attachments, 3)
	assert.Equal(t, pngHeader, got.Data.Attachments[0].Data)
	assert.Equal(t, "a.png", got.Data.Attachments[0].Filename)
	assert.Empty(t, got.Data.Attachments[1].Data)
	assert.Equal(t, []byte("OggS...."), got.Data.Attachments[2].Data)
}

func TestRepository_QueuedActionIsDurable(t *testing.T) {
	repo, _, path := createTestRepository(t)
	ctx := context.Background()

	id, err := repo.QueuePendingAction(ctx, models.ActionData{Fields: map[string]string{"k": "v"}})
	require.NoError(t, err)

	fresh := db.New(path)
	t.Cleanup(func() { _ = fresh.Close() })
	got, err := NewRepository(fresh).GetPendingAction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v", got.Data.Fields["k"])
}

func TestRepository_PendingActionsInQueueOrder(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := repo.QueuePendingAction(ctx, models.ActionData{Fields: map[string]string{"n": fmt.Sprint(i)}})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	pending, err := repo.GetPendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		assert.Equal(t, ids[i], p.ID)
	}

	n, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRepository_UpdateRetryCount(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	id, err := repo.QueuePendingAction(ctx, models.ActionData{
		Attachments: []models.Attachment{{Name: "p", Data: []byte("abc")}},
	})
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		got, err := repo.UpdateRetryCount(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.RetryCount)
	}

	stored, err := repo.GetPendingAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, []byte("abc"), stored.Data.Attachments[0].Data)

	require.NoError(t, repo.DeletePendingAction(ctx, id))
	gone, err := repo.UpdateRetryCount(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRepository_UpdateRetryCountConcurrent(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	id, err := repo.QueuePendingAction(ctx, models.ActionData{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateRetryCount(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetPendingAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, got.RetryCount)
}

func TestRepository_UnreadablePendingRowIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store := db.New(path)
	t.Cleanup(func() { _ = store.Close() })
	repo := NewRepository(store)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, db.TablePendingActions, &db.Record{
		Key: "bad", Timestamp: 1, Payload: []byte(`{not json`), Blob: []byte{7, 7},
	}))
	good, err := repo.QueuePendingAction(ctx, models.ActionData{})
	require.NoError(t, err)

	_, err = repo.GetPendingAction(ctx, "bad")
	assert.True(t, apperrors.Is(err, apperrors.ErrCorrupted))

	pending, err := repo.GetPendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, good, pending[0].ID)

	// the bad row no longer counts as pending and survives as a dead letter
	n, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	letters, err := repo.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].ID)
	assert.Equal(t, int64(1), letters[0].QueuedAt)
	assert.Contains(t, letters[0].LastError, "decode action bad")
	assert.Equal(t, `{not json`, letters[0].Data.Fields[RawPayloadField])
	require.Len(t, letters[0].Data.Attachments, 1)
	assert.Equal(t, []byte{7, 7}, letters[0].Data.Attachments[0].Data)

	// a second read finds nothing left to quarantine
	pending, err = repo.GetPendingActions(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	dead, err := repo.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dead)
}

// =====================================================
// Dead Letter Tests
// =====================================================

func TestRepository_DeadLetterLifecycle(t *testing.T) {
	repo, clock, _ := createTestRepository(t)
	ctx := context.Background()

	id, err := repo.QueuePendingAction(ctx, models.ActionData{
		Fields:      map[string]string{"k": "v"},
		Attachments: []models.Attachment{{Name: "photo", Data: []byte("jpg")}},
	})
	require.NoError(t, err)
	queuedAt := clock.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		_, err := repo.UpdateRetryCount(ctx, id)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute)
	moved, err := repo.MoveToDeadLetter(ctx, id, "status 500")
	require.NoError(t, err)
	assert.True(t, moved)

	n, err := repo.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	letters, err := repo.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)
	assert.Equal(t, 5, letters[0].RetryCount)
	assert.Equal(t, "status 500", letters[0].LastError)
	assert.Equal(t, queuedAt, letters[0].QueuedAt)
	assert.Equal(t, []byte("jpg"), letters[0].Data.Attachments[0].Data)

	moved, err = repo.MoveToDeadLetter(ctx, id, "again")
	require.NoError(t, err)
	assert.False(t, moved)

	requeued, err := repo.RequeueDeadLetter(ctx, id)
	require.NoError(t, err)
	assert.True(t, requeued)

	back, err := repo.GetPendingAction(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Zero(t, back.RetryCount)

	dl, err := repo.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, dl)

	requeued, err = repo.RequeueDeadLetter(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestRepository_DeleteDeadLetter(t *testing.T) {
	repo, _, _ := createTestRepository(t)
	ctx := context.Background()

	id, err := repo.QueuePendingAction(ctx, models.ActionData{Fields: map[string]string{"k": "v"}})
	require.NoError(t, err)
	moved, err := repo.MoveToDeadLetter(ctx, id, "status 410")
	require.NoError(t, err)
	require.True(t, moved)

	require.NoError(t, repo.DeleteDeadLetter(ctx, id))
	dl, err := repo.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, dl)

	// already gone
	assert.NoError(t, repo.DeleteDeadLetter(ctx, id))
}
