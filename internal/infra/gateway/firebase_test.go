package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/internal/usecase"
)

var _ usecase.Backend = (*FirebaseGateway)(nil)

func TestEncodeDecode(t *testing.T) {
	rec := minisocial.Record{
		ID:        "-Nabc",
		Timestamp: 1700000000000,
		Fields:    map[string]any{"text": "hi", "participants": map[string]any{"a": true}},
	}

	value := encode(rec)
	assert.NotContains(t, value, "id")
	assert.Equal(t, int64(1700000000000), value["timestamp"])

	raw, err := json.Marshal(value)
	require.NoError(t, err)
	back, ok, err := decode("-Nabc", raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, back)

	_, ok, err = decode("x", json.RawMessage("null"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decode("x", json.RawMessage(`{"timestamp": 1.5}`))
	assert.Error(t, err)
}

func TestWindowFiltersSortsAndLimits(t *testing.T) {
	records := []minisocial.Record{
		{ID: "c", Timestamp: 3, Fields: map[string]any{"status": "pending"}},
		{ID: "a", Timestamp: 1, Fields: map[string]any{"status": "pending"}},
		{ID: "b", Timestamp: 2, Fields: map[string]any{"status": "approved"}},
		{ID: "d", Timestamp: 4, Fields: map[string]any{"status": "pending"}},
	}

	got := window(records, domain.Query{Equals: map[string]any{"status": "pending"}, Limit: 2})
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
}

func TestSingleEquals(t *testing.T) {
	field, value, ok := singleEquals(map[string]any{"status": "pending"})
	assert.True(t, ok)
	assert.Equal(t, "status", field)
	assert.Equal(t, "pending", value)

	_, _, ok = singleEquals(map[string]any{"a": 1, "b": 2})
	assert.False(t, ok)
	_, _, ok = singleEquals(map[string]any{"m": map[string]any{}})
	assert.False(t, ok)
	_, _, ok = singleEquals(nil)
	assert.False(t, ok)
}

func TestFingerprintDetectsChange(t *testing.T) {
	a := []minisocial.Record{{ID: "1", Timestamp: 1, Fields: map[string]any{"text": "a"}}}
	b := []minisocial.Record{{ID: "1", Timestamp: 1, Fields: map[string]any{"text": "b"}}}
	same := []minisocial.Record{{ID: "1", Timestamp: 1, Fields: map[string]any{"text": "a"}}}

	assert.Equal(t, fingerprint(a), fingerprint(same))
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("get", nil))
	assert.ErrorIs(t, classify("get", errors.New("unreachable")), domain.ErrConnection)
	assert.ErrorIs(t, classify("get", context.Canceled), context.Canceled)
	assert.ErrorIs(t, classify("update", domain.NotFoundError{}), domain.ErrNotFound)
	assert.ErrorIs(t, classify("update", domain.ConflictError{}), domain.ErrConflict)
}
