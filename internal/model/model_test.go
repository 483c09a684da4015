package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProductMarshalFlattensExtra(t *testing.T) {
	p := Product{
		Code:         "A1",
		ProductName:  "apple",
		FileID:       "file-1",
		LastModified: time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC),
		Extra:        map[string]any{"color": "red", "qty": 3.0},
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	require.Equal(t, "A1", flat["code"])
	require.Equal(t, "apple", flat["product_name"])
	require.Equal(t, "file-1", flat["file_id"])
	require.Equal(t, "red", flat["color"])
	require.Equal(t, 3.0, flat["qty"])
	// Extra must not be nested under its own key.
	require.NotContains(t, flat, "Extra")
	require.NotContains(t, flat, "extra")
}

func TestProductUnmarshalSplitsExtra(t *testing.T) {
	data := []byte(`{"code":"B2","product_name":"pear","file_id":"file-2",
		"last_modified":"2026-02-01T08:30:00Z","origin":"ES","organic":true}`)
	var p Product
	require.NoError(t, json.Unmarshal(data, &p))
	require.Equal(t, "B2", p.Code)
	require.Equal(t, "pear", p.ProductName)
	require.Equal(t, "file-2", p.FileID)
	require.Equal(t, 2026, p.LastModified.Year())
	require.Equal(t, map[string]any{"origin": "ES", "organic": true}, p.Extra)
}

func TestProductExtraCannotShadowTypedFields(t *testing.T) {
	p := Product{
		Code:   "A1",
		FileID: "file-1",
		Extra:  map[string]any{"code": "SPOOF", "file_id": "other"},
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	require.Equal(t, "A1", flat["code"])
	require.Equal(t, "file-1", flat["file_id"])
}

func TestFileStatusTerminal(t *testing.T) {
	require.False(t, StatusUploaded.Terminal())
	require.False(t, StatusProcessing.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusProcessed.Terminal())
	require.True(t, StatusProcessedWithErrors.Terminal())
}
