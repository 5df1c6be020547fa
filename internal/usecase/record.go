package usecase

import (
	"context"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

// Clock hands out millisecond timestamps that never go backwards for a
// single writer, even if the wall clock does.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms < c.last {
		ms = c.last
	}
	c.last = ms
	return ms
}

// RecordUsecase implements the generic write operations shared by every
// collection.
type RecordUsecase struct {
	repo  RecordRepository
	clock *Clock
}

func NewRecordUsecase(repo RecordRepository, clock *Clock) *RecordUsecase {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &RecordUsecase{repo: repo, clock: clock}
}

// Now returns the next writer timestamp.
func (uc *RecordUsecase) Now() int64 {
	return uc.clock.Next()
}

func validatePath(path string) error {
	if err := minisocial.ValidatePath(path); err != nil {
		return domain.ValidationError{Field: "path", Reason: err.Error()}
	}
	return nil
}

func validateTarget(path, id string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if err := minisocial.ValidateKey(id); err != nil {
		return domain.ValidationError{Field: "id", Reason: err.Error()}
	}
	return nil
}

// stamp drops caller supplied id and timestamp.
func (uc *RecordUsecase) stamp(id string, fields map[string]any) minisocial.Record {
	rec := minisocial.Record{
		ID:        id,
		Timestamp: uc.clock.Next(),
		Fields:    maps.Clone(fields),
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	delete(rec.Fields, minisocial.FieldID)
	delete(rec.Fields, minisocial.FieldTimestamp)
	return rec
}

// Append stores a new record under a backend generated id.
func (uc *RecordUsecase) Append(ctx context.Context, path string, fields map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Append")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	if err := validatePath(path); err != nil {
		span.RecordError(err)
		return "", err
	}

	stored, err := uc.repo.Push(ctx, path, uc.stamp("", fields))
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return stored.ID, nil
}

// Create stores a record under a caller chosen id unless one already
// exists. It reports whether this call created it.
func (uc *RecordUsecase) Create(ctx context.Context, path, id string, fields map[string]any) (bool, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Create")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("id", id))

	if err := validateTarget(path, id); err != nil {
		span.RecordError(err)
		return false, err
	}

	created, err := uc.repo.Create(ctx, path, uc.stamp(id, fields))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return created, nil
}

// Put replaces the whole record at id.
func (uc *RecordUsecase) Put(ctx context.Context, path, id string, fields map[string]any) error {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Put")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("id", id))

	if err := validateTarget(path, id); err != nil {
		span.RecordError(err)
		return err
	}

	err := uc.repo.Set(ctx, path, uc.stamp(id, fields))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Update merges fields into an existing record.
func (uc *RecordUsecase) Update(ctx context.Context, path, id string, fields map[string]any) error {
	return uc.UpdateIf(ctx, path, id, fields, nil)
}

// UpdateIf is Update guarded by expected field values.
func (uc *RecordUsecase) UpdateIf(ctx context.Context, path, id string, fields, expect map[string]any) error {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Update")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("id", id))

	if err := validateTarget(path, id); err != nil {
		span.RecordError(err)
		return err
	}
	if len(fields) == 0 {
		err := domain.ValidationError{Field: "fields", Reason: "empty update"}
		span.RecordError(err)
		return err
	}
	if _, ok := fields[minisocial.FieldID]; ok {
		err := domain.ValidationError{Field: "id", Reason: "record id cannot be changed"}
		span.RecordError(err)
		return err
	}

	err := uc.repo.Update(ctx, path, id, fields, expect)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Remove deletes a record. Removing a missing record succeeds.
func (uc *RecordUsecase) Remove(ctx context.Context, path, id string) error {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("id", id))

	if err := validateTarget(path, id); err != nil {
		span.RecordError(err)
		return err
	}

	err := uc.repo.Remove(ctx, path, id)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (uc *RecordUsecase) Get(ctx context.Context, path, id string) (minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Get")
	defer span.End()

	if err := validateTarget(path, id); err != nil {
		span.RecordError(err)
		return minisocial.Record{}, err
	}

	rec, err := uc.repo.Get(ctx, path, id)
	if err != nil {
		span.RecordError(err)
		return minisocial.Record{}, err
	}
	return rec, nil
}

// List returns up to limit records, newest first. limit 0 returns all.
func (uc *RecordUsecase) List(ctx context.Context, path string, limit int) ([]minisocial.Record, error) {
	return uc.Find(ctx, domain.Query{Path: path, Limit: limit})
}

// Find runs a one-shot query and returns the result newest first.
func (uc *RecordUsecase) Find(ctx context.Context, q domain.Query) ([]minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Record.Find")
	defer span.End()
	span.SetAttributes(attribute.String("path", q.Path), attribute.Int("limit", q.Limit))

	if err := validatePath(q.Path); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if q.Limit < 0 {
		err := domain.ValidationError{Field: "limit", Reason: "must not be negative"}
		span.RecordError(err)
		return nil, err
	}
	q.OrderBy = domain.OrderByTimestamp

	records, err := uc.repo.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return NewestFirst(records, q.Limit), nil
}
