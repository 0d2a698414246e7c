package pgstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepUpsertIsKeyedByExecutionAndStep(t *testing.T) {
	require.Contains(t, upsertStepQuery, "ON CONFLICT (execution_id, step_name) DO UPDATE")
	for _, col := range []string{"status", "attempt", "output", "error_message", "resolved_params"} {
		assert.Contains(t, upsertStepQuery, col+" = EXCLUDED."+col)
	}
}

func TestListQueryOrdersNewestFirst(t *testing.T) {
	assert.Contains(t, listExecutionsQuery, "WHERE pipeline_name = $1")
	assert.Contains(t, listExecutionsQuery, "ORDER BY started_at DESC")
	assert.Contains(t, listExecutionsQuery, "LIMIT $2 OFFSET $3")
}

func TestStatusUpdatePreservesCompletedAt(t *testing.T) {
	// A nil completion time must not erase a previously written one.
	assert.Contains(t, updateExecutionStatusQuery, "COALESCE($3, completed_at)")
}

func TestSchemaMatchesQueries(t *testing.T) {
	for _, col := range []string{"execution_id", "pipeline_name", "status", "started_at", "completed_at"} {
		assert.Contains(t, schemaQuery, col)
	}
	assert.Contains(t, schemaQuery, "PRIMARY KEY (execution_id, step_name)")
}

func TestEncodeDecodeMap(t *testing.T) {
	t.Run("nil encodes as an empty object", func(t *testing.T) {
		raw, err := encodeMap(nil)
		require.NoError(t, err)
		assert.Equal(t, "{}", string(raw))
	})

	t.Run("round trip", func(t *testing.T) {
		raw, err := encodeMap(map[string]any{"path": "/tmp/a", "rows": 12})
		require.NoError(t, err)

		decoded, err := decodeMap(raw)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/a", decoded["path"])
		assert.Equal(t, float64(12), decoded["rows"])
	})

	t.Run("empty raw decodes to empty map", func(t *testing.T) {
		decoded, err := decodeMap(nil)
		require.NoError(t, err)
		assert.NotNil(t, decoded)
		assert.Empty(t, decoded)
	})

	t.Run("garbage fails", func(t *testing.T) {
		_, err := decodeMap([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestNullIfEmpty(t *testing.T) {
	assert.False(t, nullIfEmpty("").Valid)
	v := nullIfEmpty("boom")
	assert.True(t, v.Valid)
	assert.Equal(t, "boom", v.String)
}

func TestQueriesUsePositionalArgs(t *testing.T) {
	for name, q := range map[string]string{
		"insert": insertExecutionQuery,
		"upsert": upsertStepQuery,
		"update": updateExecutionStatusQuery,
		"select": selectExecutionQuery,
		"steps":  selectStepsQuery,
		"list":   listExecutionsQuery,
	} {
		assert.Contains(t, q, "$1", "query %s must bind its arguments", name)
		assert.False(t, strings.Contains(q, "%s"), "query %s must not be built by formatting", name)
	}
}
