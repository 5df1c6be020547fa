package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/infra/database/models"
)

var tracer = otel.Tracer("repository")

// ChangePublisher announces committed writes to live queries.
type ChangePublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// RecordRepository stores records in postgres.
type RecordRepository struct {
	db        *gorm.DB
	publisher ChangePublisher
}

func NewRecordRepository(db *gorm.DB, publisher ChangePublisher) *RecordRepository {
	return &RecordRepository{db: db, publisher: publisher}
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return domain.ConnectionError{Op: op, Err: errors.Wrap(err, op)}
	}
}

func toModel(path string, rec minisocial.Record) (models.Record, error) {
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	value, err := json.Marshal(fields)
	if err != nil {
		return models.Record{}, domain.ValidationError{Field: "fields", Reason: err.Error()}
	}
	return models.Record{
		Path:      path,
		ID:        rec.ID,
		Value:     string(value),
		Timestamp: rec.Timestamp,
	}, nil
}

func fromModel(m models.Record) (minisocial.Record, error) {
	var rec minisocial.Record
	if err := json.Unmarshal([]byte(m.Value), &rec); err != nil {
		return minisocial.Record{}, errors.Wrap(err, "corrupt record value")
	}
	rec.ID = m.ID
	rec.Timestamp = m.Timestamp
	return rec, nil
}

func (r *RecordRepository) publish(ctx context.Context, path, id string, op domain.ChangeOp, at int64) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.Publish(ctx, domain.ChangeEvent{Path: path, ID: id, Op: op, At: at})
	if err != nil {
		slog.ErrorContext(
			ctx, "failed to publish change",
			slog.String("path", path),
			slog.String("id", id),
			slog.String("error", err.Error()),
			slog.String("module", "repository"),
		)
	}
}

// insert returns false when a record with the same key already exists.
func (r *RecordRepository) insert(ctx context.Context, model *models.Record) (bool, error) {
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *RecordRepository) Push(ctx context.Context, path string, rec minisocial.Record) (minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Repository.Record.Push")
	defer span.End()

	for range 3 {
		rec.ID = uuid.Must(uuid.NewV7()).String()
		model, err := toModel(path, rec)
		if err != nil {
			return minisocial.Record{}, err
		}
		created, err := r.insert(ctx, &model)
		if err != nil {
			span.RecordError(err)
			return minisocial.Record{}, classify("push", err)
		}
		if created {
			r.publish(ctx, path, rec.ID, domain.ChangeOpPut, rec.Timestamp)
			return rec, nil
		}
	}

	err := domain.ConflictError{Resource: path, Reason: "could not allocate a record id"}
	span.RecordError(err)
	return minisocial.Record{}, err
}

func (r *RecordRepository) Create(ctx context.Context, path string, rec minisocial.Record) (bool, error) {
	ctx, span := tracer.Start(ctx, "Repository.Record.Create")
	defer span.End()

	model, err := toModel(path, rec)
	if err != nil {
		return false, err
	}
	created, err := r.insert(ctx, &model)
	if err != nil {
		span.RecordError(err)
		return false, classify("create", err)
	}
	if created {
		r.publish(ctx, path, rec.ID, domain.ChangeOpPut, rec.Timestamp)
	}
	return created, nil
}

func (r *RecordRepository) Set(ctx context.Context, path string, rec minisocial.Record) error {
	ctx, span := tracer.Start(ctx, "Repository.Record.Set")
	defer span.End()

	model, err := toModel(path, rec)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "ts", "m_date"}),
	}).Create(&model).Error
	if err != nil {
		span.RecordError(err)
		return classify("set", err)
	}
	r.publish(ctx, path, rec.ID, domain.ChangeOpPut, rec.Timestamp)
	return nil
}

func (r *RecordRepository) Update(ctx context.Context, path, id string, fields map[string]any, expect map[string]any) error {
	ctx, span := tracer.Start(ctx, "Repository.Record.Update")
	defer span.End()

	var merged minisocial.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("path = ? AND id = ?", path, id).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
		}
		if err != nil {
			return classify("update", err)
		}

		rec, err := fromModel(current)
		if err != nil {
			return err
		}
		if !rec.Matches(expect) {
			return domain.ConflictError{Resource: minisocial.ComposePath(path, id), Reason: "precondition failed"}
		}

		merged = rec.Merge(fields)
		next, err := toModel(path, merged)
		if err != nil {
			return err
		}
		err = tx.Model(&current).
			Where("path = ? AND id = ?", path, id).
			Updates(map[string]any{"value": next.Value, "ts": next.Timestamp}).Error
		if err != nil {
			return classify("update", err)
		}
		return nil
	})
	if err != nil {
		if domain.Kind(err) == "internal" {
			err = classify("update", err)
		}
		span.RecordError(err)
		return err
	}

	r.publish(ctx, path, id, domain.ChangeOpPatch, merged.Timestamp)
	return nil
}

func (r *RecordRepository) Remove(ctx context.Context, path, id string) error {
	ctx, span := tracer.Start(ctx, "Repository.Record.Remove")
	defer span.End()

	result := r.db.WithContext(ctx).
		Where("path = ? AND id = ?", path, id).
		Delete(&models.Record{})
	if result.Error != nil {
		span.RecordError(result.Error)
		return classify("remove", result.Error)
	}
	if result.RowsAffected > 0 {
		r.publish(ctx, path, id, domain.ChangeOpRemove, 0)
	}
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, path, id string) (minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Repository.Record.Get")
	defer span.End()

	var model models.Record
	err := r.db.WithContext(ctx).
		Where("path = ? AND id = ?", path, id).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return minisocial.Record{}, domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
	}
	if err != nil {
		span.RecordError(err)
		return minisocial.Record{}, classify("get", err)
	}
	return fromModel(model)
}

// Query reads the newest q.Limit matching rows and returns them oldest
// first.
func (r *RecordRepository) Query(ctx context.Context, q domain.Query) ([]minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Repository.Record.Query")
	defer span.End()

	tx := r.db.WithContext(ctx).Where("path = ?", q.Path)
	if q.Key != "" {
		tx = tx.Where("id = ?", q.Key)
	}
	for _, field := range sortedKeys(q.Equals) {
		want, err := json.Marshal(q.Equals[field])
		if err != nil {
			return nil, domain.ValidationError{Field: field, Reason: err.Error()}
		}
		tx = tx.Where("value -> ? = ?::jsonb", field, string(want))
	}
	tx = tx.Order("ts DESC, id DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []models.Record
	if err := tx.Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, classify("query", err)
	}

	records := make([]minisocial.Record, 0, len(rows))
	for _, row := range slices.Backward(rows) {
		rec, err := fromModel(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
