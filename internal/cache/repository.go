// Package cache is the typed façade over the persistent store. It composes
// keys, stamps write times and classifies freshness on every read.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/db"
	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/models"
)

// KeySeparator joins the parts of a compound key.
const KeySeparator = "_"

// PredictionKey composes the primary key of a prediction.
func PredictionKey(entityCode, date string) string {
	return entityCode + KeySeparator + date
}

// Repository caches records in the persistent store.
type Repository struct {
	store *db.Store
	now   func() time.Time
	newID func() string
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the clock used for timestamps and freshness.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator overrides pending action id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) { r.newID = gen }
}

// NewRepository creates a Repository over store.
func NewRepository(store *db.Store, opts ...Option) *Repository {
	r := &Repository{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the repository clock's current time.
func (r *Repository) Now() time.Time {
	return r.now()
}

func (r *Repository) stamp() int64 {
	return r.now().UnixMilli()
}

func rawRecord(rec *db.Record, now time.Time) *models.CachedRecord[json.RawMessage] {
	return &models.CachedRecord[json.RawMessage]{
		Key:       rec.Key,
		Timestamp: rec.Timestamp,
		Payload:   json.RawMessage(rec.Payload),
		Freshness: models.Classify(rec.Timestamp, now),
	}
}

func (r *Repository) rawList(recs []*db.Record) []*models.CachedRecord[json.RawMessage] {
	now := r.now()
	out := make([]*models.CachedRecord[json.RawMessage], 0, len(recs))
	for _, rec := range recs {
		out = append(out, rawRecord(rec, now))
	}
	return out
}

func (r *Repository) getRaw(ctx context.Context, table db.Table, key string) (*models.CachedRecord[json.RawMessage], error) {
	rec, err := r.store.Get(ctx, table, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return rawRecord(rec, r.now()), nil
}

func (r *Repository) putRaw(ctx context.Context, table db.Table, key string, indexes map[string]string, payload json.RawMessage) error {
	if key == "" {
		return apperrors.Newf(apperrors.ErrInvalid, "empty key for %s", table)
	}
	body, err := rawPayload(payload)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, table, &db.Record{
		Key:       key,
		Timestamp: r.stamp(),
		Indexes:   indexes,
		Payload:   body,
	})
}

// =====================================================
// Predictions
// =====================================================

// CachePrediction stores the prediction for entityCode on date.
func (r *Repository) CachePrediction(ctx context.Context, entityCode, date string, payload json.RawMessage) error {
	if entityCode == "" || date == "" {
		return apperrors.New(apperrors.ErrInvalid, "prediction needs an entity code and a date")
	}
	return r.putRaw(ctx, db.TablePredictions, PredictionKey(entityCode, date), map[string]string{
		db.IndexEntityCode: entityCode,
		db.IndexDate:       date,
	}, payload)
}

// GetPrediction returns the cached prediction, or nil when absent.
func (r *Repository) GetPrediction(ctx context.Context, entityCode, date string) (*models.CachedRecord[json.RawMessage], error) {
	return r.getRaw(ctx, db.TablePredictions, PredictionKey(entityCode, date))
}

// GetPredictionsForEntity returns every cached prediction for entityCode.
func (r *Repository) GetPredictionsForEntity(ctx context.Context, entityCode string) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetByIndex(ctx, db.TablePredictions, db.IndexEntityCode, entityCode)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// GetPredictionsForDate returns every cached prediction for date.
func (r *Repository) GetPredictionsForDate(ctx context.Context, date string) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetByIndex(ctx, db.TablePredictions, db.IndexDate, date)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// =====================================================
// Reference Data: Species, Geographic Cells
// =====================================================

// CacheSpecies stores a species reference record.
func (r *Repository) CacheSpecies(ctx context.Context, id, category string, payload json.RawMessage) error {
	return r.putRaw(ctx, db.TableSpecies, id, map[string]string{db.IndexCategory: category}, payload)
}

// GetSpecies returns the species record, or nil when absent.
func (r *Repository) GetSpecies(ctx context.Context, id string) (*models.CachedRecord[json.RawMessage], error) {
	return r.getRaw(ctx, db.TableSpecies, id)
}

// GetAllSpecies returns every cached species record.
func (r *Repository) GetAllSpecies(ctx context.Context) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetAll(ctx, db.TableSpecies)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// GetSpeciesByCategory returns the species records in category.
func (r *Repository) GetSpeciesByCategory(ctx context.Context, category string) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetByIndex(ctx, db.TableSpecies, db.IndexCategory, category)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// CacheGeoCell stores a geographic cell keyed by its code.
func (r *Repository) CacheGeoCell(ctx context.Context, code string, payload json.RawMessage) error {
	return r.putRaw(ctx, db.TableGeoCells, code, nil, payload)
}

// GetGeoCell returns the cell, or nil when absent.
func (r *Repository) GetGeoCell(ctx context.Context, code string) (*models.CachedRecord[json.RawMessage], error) {
	return r.getRaw(ctx, db.TableGeoCells, code)
}

// GetAllGeoCells returns every cached cell.
func (r *Repository) GetAllGeoCells(ctx context.Context) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetAll(ctx, db.TableGeoCells)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// =====================================================
// Images
// =====================================================

// CacheImage stores image bytes. An empty mimeType is detected from data.
func (r *Repository) CacheImage(ctx context.Context, id string, data []byte, mimeType string) error {
	if id == "" {
		return apperrors.New(apperrors.ErrInvalid, "empty image id")
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}

	meta, err := json.Marshal(storedImage{MimeType: mimeType, Size: int64(len(data))})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode image metadata", err)
	}
	return r.store.Put(ctx, db.TableImages, &db.Record{
		Key:       id,
		Timestamp: r.stamp(),
		Payload:   meta,
		Blob:      data,
	})
}

// GetImage returns the cached image, or nil when absent.
func (r *Repository) GetImage(ctx context.Context, id string) (*models.CachedRecord[models.ImageBlob], error) {
	rec, err := r.store.Get(ctx, db.TableImages, id)
	if err != nil || rec == nil {
		return nil, err
	}

	var meta storedImage
	if err := json.Unmarshal(rec.Payload, &meta); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCorrupted, fmt.Sprintf("decode image %s", id), err)
	}
	return &models.CachedRecord[models.ImageBlob]{
		Key:       rec.Key,
		Timestamp: rec.Timestamp,
		Payload: models.ImageBlob{
			Data:     rec.Blob,
			MimeType: meta.MimeType,
			Size:     meta.Size,
		},
		Freshness: models.Classify(rec.Timestamp, r.now()),
	}, nil
}

// =====================================================
// Favorites
// =====================================================

// AddFavorite marks entityID as a favorite.
func (r *Repository) AddFavorite(ctx context.Context, entityID string, payload json.RawMessage) error {
	return r.putRaw(ctx, db.TableFavorites, entityID, nil, payload)
}

// RemoveFavorite unmarks entityID. Removing an absent favorite is a no-op.
func (r *Repository) RemoveFavorite(ctx context.Context, entityID string) error {
	return r.store.Delete(ctx, db.TableFavorites, entityID)
}

// GetFavorite returns the favorite, or nil when absent.
func (r *Repository) GetFavorite(ctx context.Context, entityID string) (*models.CachedRecord[json.RawMessage], error) {
	return r.getRaw(ctx, db.TableFavorites, entityID)
}

// IsFavorite reports whether entityID is a favorite.
func (r *Repository) IsFavorite(ctx context.Context, entityID string) (bool, error) {
	rec, err := r.store.Get(ctx, db.TableFavorites, entityID)
	return rec != nil, err
}

// ListFavorites returns every favorite, oldest first.
func (r *Repository) ListFavorites(ctx context.Context) ([]*models.CachedRecord[json.RawMessage], error) {
	recs, err := r.store.GetAll(ctx, db.TableFavorites)
	if err != nil {
		return nil, err
	}
	return r.rawList(recs), nil
}

// =====================================================
// Retention Helpers
// =====================================================

// DeletePredictionsOlderThan removes predictions stamped at or before cutoff.
func (r *Repository) DeletePredictionsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return r.deleteOlderThan(ctx, db.TablePredictions, cutoff)
}

// DeleteImagesOlderThan removes images stamped at or before cutoff.
func (r *Repository) DeleteImagesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return r.deleteOlderThan(ctx, db.TableImages, cutoff)
}

func (r *Repository) deleteOlderThan(ctx context.Context, table db.Table, cutoff time.Time) (int, error) {
	limit := cutoff.UnixMilli()
	old, err := r.store.GetByIndexRange(ctx, table, db.IndexTimestamp, nil, limit)
	if err != nil || len(old) == 0 {
		return 0, err
	}

	deleted := 0
	err = r.store.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		for _, rec := range old {
			// re-check: the key may have been re-cached since the range read
			cur, err := tx.Get(ctx, table, rec.Key)
			if err != nil {
				return err
			}
			if cur == nil || cur.Timestamp > limit {
				continue
			}
			if err := tx.Delete(ctx, table, rec.Key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// =====================================================
// Whole-cache Operations
// =====================================================

// GetCacheSize approximates the bytes held by the cache: serialized JSON
// plus raw blob lengths, attachments of pending actions included.
func (r *Repository) GetCacheSize(ctx context.Context) (int64, error) {
	var total int64
	for _, table := range db.Tables() {
		n, err := r.store.Footprint(ctx, table)
		if err != nil {
			return 0, err
		}
		total += n
	}
	logging.Debug("Computed cache size", map[string]interface{}{
		"bytes": total,
		"human": humanize.Bytes(uint64(total)),
	})
	return total, nil
}

// ClearAll wipes every table, pending actions and dead letters included.
func (r *Repository) ClearAll(ctx context.Context) error {
	for _, table := range db.Tables() {
		if err := r.store.Clear(ctx, table); err != nil {
			return err
		}
	}
	logging.Warn("Cleared all cached data", nil)
	return nil
}
