package repository

import (
	"context"
	"errors"
	"log/slog"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

// ChangeSubscriber streams change events for one collection path.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, path string) (<-chan domain.ChangeEvent, error)
}

type querier interface {
	Query(ctx context.Context, q domain.Query) ([]minisocial.Record, error)
}

// LiveQuery re-runs a query whenever a change event arrives for its path.
type LiveQuery struct {
	records querier
	signals ChangeSubscriber
}

func NewLiveQuery(records *RecordRepository, signals ChangeSubscriber) *LiveQuery {
	return &LiveQuery{records: records, signals: signals}
}

func (l *LiveQuery) Listen(ctx context.Context, q domain.Query) (<-chan domain.Window, error) {
	// subscribe before the first read so no write falls in between
	events, err := l.signals.Subscribe(ctx, q.Path)
	if err != nil {
		return nil, domain.ConnectionError{Op: "listen " + q.Path, Err: err}
	}

	out := make(chan domain.Window)
	go func() {
		defer close(out)

		emit := func() bool {
			records, err := l.records.Query(ctx, q)
			select {
			case out <- domain.Window{Records: records, Err: err}:
			case <-ctx.Done():
				return false
			}
			return err == nil
		}

		if !emit() {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					if ctx.Err() == nil {
						select {
						case out <- domain.Window{Err: domain.ConnectionError{Op: "listen " + q.Path, Err: errors.New("change feed closed")}}:
						case <-ctx.Done():
						}
					}
					return
				}
				if q.Key != "" && ev.ID != q.Key {
					continue
				}
				// a burst of writes needs only one re-read
				coalesce(events)
				slog.DebugContext(
					ctx, "live query refresh",
					slog.String("path", q.Path),
					slog.String("op", string(ev.Op)),
					slog.String("module", "repository"),
				)
				if !emit() {
					return
				}
			}
		}
	}()

	return out, nil
}

func coalesce(events <-chan domain.ChangeEvent) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
