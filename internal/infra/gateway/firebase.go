package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"firebase.google.com/go/v4/errorutils"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
)

var tracer = otel.Tracer("gateway")

// NewRealtimeDBClient connects to a Firebase Realtime Database.
// credentialsFile may be empty to use application default credentials.
func NewRealtimeDBClient(ctx context.Context, databaseURL, credentialsFile string) (*db.Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("databaseURL is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: databaseURL}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "init firebase app")
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "init realtime db client")
	}
	return client, nil
}

// FirebaseGateway stores records in a Realtime Database tree laid out as
// {path}/{id}. Live queries poll and emit only when the result changes.
// Equality filters and timestamp ordering need ".indexOn" rules for the
// fields involved.
type FirebaseGateway struct {
	client       *db.Client
	pollInterval time.Duration
}

func NewFirebaseGateway(client *db.Client, pollInterval time.Duration) *FirebaseGateway {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &FirebaseGateway{client: client, pollInterval: pollInterval}
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case domain.Kind(err) != "internal":
		return err
	case errorutils.IsPermissionDenied(err), errorutils.IsUnauthenticated(err):
		return domain.PermissionDeniedError{Permission: op}
	default:
		return domain.ConnectionError{Op: op, Err: errors.Wrap(err, op)}
	}
}

// encode returns the stored form: every field plus timestamp. The id is
// the node key.
func encode(rec minisocial.Record) map[string]any {
	value := rec.Flatten()
	delete(value, minisocial.FieldID)
	return value
}

// decode returns false for an absent node.
func decode(id string, raw json.RawMessage) (minisocial.Record, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return minisocial.Record{}, false, nil
	}
	var rec minisocial.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return minisocial.Record{}, false, errors.Wrapf(err, "decode %s", id)
	}
	rec.ID = id
	return rec, true, nil
}

func (g *FirebaseGateway) ref(path string, id ...string) *db.Ref {
	return g.client.NewRef(minisocial.ComposePath(append([]string{path}, id...)...))
}

func (g *FirebaseGateway) Push(ctx context.Context, path string, rec minisocial.Record) (minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Push")
	defer span.End()

	child, err := g.ref(path).Push(ctx, encode(rec))
	if err != nil {
		span.RecordError(err)
		return minisocial.Record{}, classify("push", err)
	}
	rec.ID = child.Key
	return rec, nil
}

func (g *FirebaseGateway) Create(ctx context.Context, path string, rec minisocial.Record) (bool, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Create")
	defer span.End()

	value := encode(rec)
	var created bool
	err := g.ref(path, rec.ID).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var existing json.RawMessage
		if err := node.Unmarshal(&existing); err != nil {
			return nil, err
		}
		if len(existing) != 0 && string(existing) != "null" {
			created = false
			return existing, nil
		}
		created = true
		return value, nil
	})
	if err != nil {
		span.RecordError(err)
		return false, classify("create", err)
	}
	return created, nil
}

func (g *FirebaseGateway) Set(ctx context.Context, path string, rec minisocial.Record) error {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Set")
	defer span.End()

	if err := g.ref(path, rec.ID).Set(ctx, encode(rec)); err != nil {
		span.RecordError(err)
		return classify("set", err)
	}
	return nil
}

func (g *FirebaseGateway) Update(ctx context.Context, path, id string, fields map[string]any, expect map[string]any) error {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Update")
	defer span.End()

	err := g.ref(path, id).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var raw json.RawMessage
		if err := node.Unmarshal(&raw); err != nil {
			return nil, err
		}
		current, ok, err := decode(id, raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
		}
		if !current.Matches(expect) {
			return nil, domain.ConflictError{Resource: minisocial.ComposePath(path, id), Reason: "precondition failed"}
		}
		return encode(current.Merge(fields)), nil
	})
	if err != nil {
		span.RecordError(err)
		return classify("update", err)
	}
	return nil
}

func (g *FirebaseGateway) Remove(ctx context.Context, path, id string) error {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Remove")
	defer span.End()

	if err := g.ref(path, id).Delete(ctx); err != nil {
		span.RecordError(err)
		return classify("remove", err)
	}
	return nil
}

func (g *FirebaseGateway) Get(ctx context.Context, path, id string) (minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Get")
	defer span.End()

	var raw json.RawMessage
	if err := g.ref(path, id).Get(ctx, &raw); err != nil {
		span.RecordError(err)
		return minisocial.Record{}, classify("get", err)
	}
	rec, ok, err := decode(id, raw)
	if err != nil {
		return minisocial.Record{}, err
	}
	if !ok {
		return minisocial.Record{}, domain.NotFoundError{Resource: minisocial.ComposePath(path, id)}
	}
	return rec, nil
}

func (g *FirebaseGateway) Query(ctx context.Context, q domain.Query) ([]minisocial.Record, error) {
	ctx, span := tracer.Start(ctx, "Gateway.Firebase.Query")
	defer span.End()

	records, err := g.query(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return records, nil
}

func (g *FirebaseGateway) query(ctx context.Context, q domain.Query) ([]minisocial.Record, error) {
	if q.Key != "" {
		rec, err := g.Get(ctx, q.Path, q.Key)
		if errors.Is(err, domain.ErrNotFound) {
			return []minisocial.Record{}, nil
		}
		if err != nil {
			return nil, err
		}
		return window([]minisocial.Record{rec}, q), nil
	}

	var fq *db.Query
	if field, value, ok := singleEquals(q.Equals); ok {
		// the server narrows by the filter; the limit is applied after sorting
		fq = g.ref(q.Path).OrderByChild(field).EqualTo(value)
	} else {
		fq = g.ref(q.Path).OrderByChild(minisocial.FieldTimestamp)
		if q.Limit > 0 && len(q.Equals) == 0 {
			fq = fq.LimitToLast(q.Limit)
		}
	}

	nodes, err := fq.GetOrdered(ctx)
	if err != nil {
		return nil, classify("query", err)
	}

	records := make([]minisocial.Record, 0, len(nodes))
	for _, node := range nodes {
		var raw json.RawMessage
		if err := node.Unmarshal(&raw); err != nil {
			return nil, errors.Wrap(err, "decode query node")
		}
		rec, ok, err := decode(node.Key(), raw)
		if err != nil {
			return nil, err
		}
		if ok {
			records = append(records, rec)
		}
	}
	return window(records, q), nil
}

func singleEquals(equals map[string]any) (string, any, bool) {
	if len(equals) != 1 {
		return "", nil, false
	}
	for k, v := range equals {
		switch v.(type) {
		case string, bool, int, int64, float64:
			return k, v, true
		}
	}
	return "", nil, false
}

// window filters, sorts ascending by timestamp and keeps the newest Limit.
func window(records []minisocial.Record, q domain.Query) []minisocial.Record {
	out := records[:0]
	for _, rec := range records {
		if rec.Matches(q.Equals) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// fingerprint hashes a window so polls that see no change emit nothing.
func fingerprint(records []minisocial.Record) uint64 {
	b, err := json.Marshal(records)
	if err != nil {
		return 0
	}
	return xxh3.Hash(b)
}

func (g *FirebaseGateway) Listen(ctx context.Context, q domain.Query) (<-chan domain.Window, error) {
	out := make(chan domain.Window)
	go func() {
		defer close(out)

		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()

		var last uint64
		first := true
		for {
			records, err := g.query(ctx, q)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.WarnContext(
					ctx, "firebase poll failed",
					slog.String("path", q.Path),
					slog.String("error", err.Error()),
					slog.String("module", "gateway"),
				)
				select {
				case out <- domain.Window{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			sum := fingerprint(records)
			if first || sum != last {
				first = false
				last = sum
				select {
				case out <- domain.Window{Records: records}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}
