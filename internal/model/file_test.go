package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRecord_MarshalJSON(t *testing.T) {
	rec := FileRecord{
		ID:          7,
		Filename:    "a.bin",
		CompositeID: "42:abc",
		Size:        20,
		Strategy:    StrategyChunkedMultiBackend,
		ChunkCount:  3,
		CreatedAt:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "42:abc", out["file_id"])
	assert.Equal(t, "a.bin", out["filename"])
	assert.EqualValues(t, 20, out["filesize"])
	assert.Equal(t, "chunked-multi-backend", out["strategy"])
	assert.Equal(t, "2024-05-01 12:30:00", out["upload_date"])
	assert.NotContains(t, out, "ID")
}

func TestLocalTime_RoundTrip(t *testing.T) {
	in := LocalTime(time.Date(2023, 1, 2, 3, 4, 5, 0, time.Local))
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `"2023-01-02 03:04:05"`, string(data))

	var out LocalTime
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, time.Time(in).Equal(time.Time(out)))
}

func TestStrategy(t *testing.T) {
	assert.True(t, StrategySingle.Valid())
	assert.False(t, StrategySingle.Chunked())
	assert.True(t, StrategyChunkedSingleBackend.Chunked())
	assert.True(t, StrategyChunkedMultiBackend.Chunked())
	assert.False(t, Strategy("striped").Valid())
}
