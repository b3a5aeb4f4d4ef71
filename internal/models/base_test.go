package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolVal(t *testing.T) {
	assert.True(t, BoolVal(nil))
	assert.True(t, BoolVal(BoolPtr(true)))
	assert.False(t, BoolVal(BoolPtr(false)))
}

func TestULID_RoundTrip(t *testing.T) {
	id := NewULID()
	require.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_ScanAndValue(t *testing.T) {
	id := NewULID()
	v, err := id.Value()
	require.NoError(t, err)

	var scanned ULID
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, id, scanned)

	require.NoError(t, scanned.Scan(nil))
	assert.True(t, scanned.IsZero())

	assert.Error(t, scanned.Scan(42))
}

func TestULID_JSON(t *testing.T) {
	id := NewULID()
	data, err := json.Marshal(struct {
		ID ULID `json:"id"`
	}{ID: id})
	require.NoError(t, err)
	assert.Contains(t, string(data), id.String())

	var out struct {
		ID ULID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out.ID)
}
