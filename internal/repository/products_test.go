package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/recordpipe/internal/model"
)

func TestDedupeByCodeKeepsLastOccurrence(t *testing.T) {
	in := []model.Product{
		{Code: "A", ProductName: "first"},
		{Code: "B", ProductName: "only"},
		{Code: "A", ProductName: "last"},
	}
	out := dedupeByCode(in)
	require.Len(t, out, 2)
	require.Equal(t, "B", out[0].Code)
	require.Equal(t, "A", out[1].Code)
	require.Equal(t, "last", out[1].ProductName)
}

func TestDedupeByCodeNoDuplicates(t *testing.T) {
	in := []model.Product{{Code: "A"}, {Code: "B"}}
	out := dedupeByCode(in)
	require.Equal(t, in, out)
}

func TestDedupeByCodeEmpty(t *testing.T) {
	require.Empty(t, dedupeByCode(nil))
}

func TestNullable(t *testing.T) {
	require.Nil(t, nullable(""))
	v := nullable("x")
	require.NotNil(t, v)
	require.Equal(t, "x", *v)
}
