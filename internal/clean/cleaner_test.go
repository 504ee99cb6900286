package clean

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

func coinRules(mode DedupMode) Rules {
	return Rules{
		Table: "coins",
		Columns: []ColumnRule{
			{Name: "coin_id", Source: "id", Type: table.TypeString, Required: true},
			{Name: "name", Type: table.TypeString},
			{Name: "price", Source: "current_price", Type: table.TypeFloat},
			{Name: "rank", Source: "market_cap_rank", Type: table.TypeInt},
			{Name: "updated", Source: "last_updated", Type: table.TypeTimestamp},
		},
		DedupKey:  []string{"coin_id"},
		DedupMode: mode,
	}
}

func TestNullSentinelsBecomeNil(t *testing.T) {
	c := New(coinRules(DedupFlag))
	for _, tok := range []string{"", "  ", "N/A", "n/a", "NA", `\N`, "null", "NULL", "None", "NaN", "-", "--"} {
		out, err := c.Clean(context.Background(), []table.Row{{"id": "btc", "name": tok}})
		require.NoError(t, err)
		assert.Nil(t, out.Rows[0]["name"], "token %q", tok)
		assert.Equal(t, false, out.Rows[0][ColInvalid], "token %q", tok)
	}
}

func TestCoercesDeclaredTypes(t *testing.T) {
	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), []table.Row{{
		"id":              " bitcoin ",
		"name":            "Bitcoin",
		"current_price":   "64,250.5",
		"market_cap_rank": float64(1),
		"last_updated":    "2024-03-01T12:00:00Z",
	}})
	require.NoError(t, err)
	row := out.Rows[0]
	assert.Equal(t, "bitcoin", row["coin_id"])
	assert.Equal(t, 64250.5, row["price"])
	assert.Equal(t, int64(1), row["rank"])
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), row["updated"])
	assert.Equal(t, false, row[ColInvalid])
	assert.Nil(t, row[ColInvalidReason])
}

func TestCoercionFailureKeepsRowFlagged(t *testing.T) {
	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), []table.Row{
		{"id": "btc", "current_price": "not-a-price"},
		{"id": "eth", "market_cap_rank": 2.5},
		{"id": nil, "name": "ghost"},
	})
	require.NoError(t, err)
	require.Equal(t, 3, out.Len(), "invalid rows must not be dropped")

	assert.Equal(t, true, out.Rows[0][ColInvalid])
	assert.Nil(t, out.Rows[0]["price"])
	assert.Contains(t, out.Rows[0][ColInvalidReason], "price")

	assert.Equal(t, true, out.Rows[1][ColInvalid])
	assert.Contains(t, out.Rows[1][ColInvalidReason], "rank")

	assert.Equal(t, true, out.Rows[2][ColInvalid])
	assert.Contains(t, out.Rows[2][ColInvalidReason], "coin_id: required")
}

func TestExactDuplicatesAreDropped(t *testing.T) {
	raw := []table.Row{
		{"id": "btc", "name": "Bitcoin"},
		{"id": "btc", "name": "Bitcoin"},
		{"id": "eth", "name": "Ethereum"},
	}
	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}

func TestRowsFailingCoercionSurviveDedup(t *testing.T) {
	raw := []table.Row{
		{"id": "a", "current_price": nil},
		{"id": "a", "current_price": "abc"},
		{"id": "a", "current_price": "xyz"},
	}
	for _, mode := range []DedupMode{DedupFlag, DedupKeepLast} {
		out, err := New(coinRules(mode)).Clean(context.Background(), raw)
		require.NoError(t, err)
		require.Equal(t, 3, out.Len(), "mode %s", mode)

		var invalid int
		for _, row := range out.Rows {
			if row[ColInvalid] == true {
				invalid++
				assert.Contains(t, row[ColInvalidReason], "price")
			}
		}
		assert.Equal(t, 2, invalid, "mode %s", mode)
	}
}

func TestDedupFlagKeepsChangedDuplicates(t *testing.T) {
	raw := []table.Row{
		{"id": "A", "name": "Alpha"},
		{"id": "B", "name": "Beta"},
		{"id": "A", "name": "Alpha Prime"},
	}
	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())
	assert.Equal(t, false, out.Rows[0][ColDuplicate])
	assert.Equal(t, false, out.Rows[1][ColDuplicate])
	assert.Equal(t, true, out.Rows[2][ColDuplicate])
}

func TestDedupKeepLast(t *testing.T) {
	raw := []table.Row{
		{"id": "A", "name": "Alpha"},
		{"id": "B", "name": "Beta"},
		{"id": "a ", "name": "Alpha Prime"},
	}
	out, err := New(coinRules(DedupKeepLast)).Clean(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "Beta", out.Rows[0]["name"])
	assert.Equal(t, "Alpha Prime", out.Rows[1]["name"])
}

func TestDeclaresFlagColumns(t *testing.T) {
	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), nil)
	require.NoError(t, err)
	for _, col := range []string{"coin_id", "price", ColInvalid, ColInvalidReason, ColDuplicate} {
		assert.True(t, out.HasColumn(col), col)
	}
	assert.Equal(t, table.KindCleaned, out.Kind)
}

func TestRejectsUndeclaredDedupKey(t *testing.T) {
	rules := coinRules(DedupFlag)
	rules.DedupKey = []string{"missing"}
	_, err := New(rules).Clean(context.Background(), nil)
	assert.Error(t, err)
}

func TestCoerceListToString(t *testing.T) {
	v, err := Coerce([]any{float64(28), float64(12), nil, "Drama"}, table.TypeString)
	require.NoError(t, err)
	assert.Equal(t, "28,12,Drama", v)
}

func TestCoerceTimestampForms(t *testing.T) {
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, in := range []any{"2024-01-02", "2024/01/02", float64(want.Unix()), float64(want.UnixMilli()), want} {
		got, err := Coerce(in, table.TypeTimestamp)
		require.NoError(t, err, "%v", in)
		assert.True(t, want.Equal(got.(time.Time)), "%v -> %v", in, got)
	}
}

func TestCoerceBool(t *testing.T) {
	for in, want := range map[any]bool{"yes": true, "N": false, float64(1): true, true: true} {
		got, err := Coerce(in, table.TypeBool)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := Coerce("maybe", table.TypeBool)
	assert.Error(t, err)
}

func TestCoerceIntRejectsOutOfRange(t *testing.T) {
	for _, in := range []any{1e20, "1e20", 9.3e18, -1e19, float64(1 << 63)} {
		_, err := Coerce(in, table.TypeInt)
		assert.Error(t, err, "%v", in)
	}
	got, err := Coerce(float64(-(1 << 63)), table.TypeInt)
	require.NoError(t, err)
	assert.Equal(t, int64(-1<<63), got)

	out, err := New(coinRules(DedupFlag)).Clean(context.Background(), []table.Row{{"id": "btc", "market_cap_rank": 1e20}})
	require.NoError(t, err)
	assert.Equal(t, true, out.Rows[0][ColInvalid])
	assert.Nil(t, out.Rows[0]["rank"])
}
