package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_DecodesNestedPayload(t *testing.T) {
	raw := `{
		"presentation_id": "p-1",
		"slides": 10,
		"ratio": 0.5,
		"research": true,
		"note": null,
		"breakdown": {"processing": 3, "generation": [100, 50]}
	}`

	var md Metadata
	require.NoError(t, json.Unmarshal([]byte(raw), &md))

	id, ok := md["presentation_id"].AsString()
	assert.True(t, ok)
	assert.Equal(t, "p-1", id)

	slides, ok := md["slides"].AsInt()
	assert.True(t, ok)
	assert.Equal(t, int64(10), slides)

	_, ok = md["ratio"].AsInt()
	assert.False(t, ok, "fractional numbers must not decode as int")
	ratio, ok := md["ratio"].AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 0.5, ratio)

	research, ok := md["research"].AsBool()
	assert.True(t, ok)
	assert.True(t, research)

	assert.True(t, md["note"].IsNull())

	breakdown, ok := md["breakdown"].AsMap()
	require.True(t, ok)
	parts, ok := breakdown["generation"].AsList()
	require.True(t, ok)
	require.Len(t, parts, 2)
	first, _ := parts[0].AsInt()
	assert.Equal(t, int64(100), first)
}

func TestValue_MarshalKeepsShape(t *testing.T) {
	md := Metadata{
		"slides":  Int(12),
		"formats": List(String("pdf"), String("pptx")),
		"extra":   Map(map[string]Value{"premium": Bool(false)}),
	}

	data, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"slides":12,"formats":["pdf","pptx"],"extra":{"premium":false}}`, string(data))
}

func TestValue_AsFloatAcceptsInt(t *testing.T) {
	f, ok := Int(3).AsFloat()
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	_, ok = String("3").AsFloat()
	assert.False(t, ok)
}

func TestFromInterface_RejectsUnknownTypes(t *testing.T) {
	_, err := FromInterface(struct{}{})
	assert.Error(t, err)
}

func TestEntryFilter_Match(t *testing.T) {
	e := LedgerEntry{AccountID: "u1", Kind: KindRefund}
	assert.True(t, EntryFilter{AccountID: "u1"}.Match(e))
	assert.False(t, EntryFilter{AccountID: "u2"}.Match(e))
	assert.False(t, EntryFilter{AccountID: "u1", Kind: KindExportPDF}.Match(e))
}

func TestMetadata_CloneIsDeep(t *testing.T) {
	inner := map[string]Value{"premium": Bool(true)}
	list := []Value{String("pdf")}
	md := Metadata{"slides": Int(1), "extra": Map(inner), "formats": List(list...)}

	cp := md.Clone()
	md["slides"] = Int(999)
	inner["premium"] = Bool(false)
	list[0] = String("gif")

	slides, _ := cp["slides"].AsInt()
	assert.Equal(t, int64(1), slides)
	extra, _ := cp["extra"].AsMap()
	premium, _ := extra["premium"].AsBool()
	assert.True(t, premium)
	formats, _ := cp["formats"].AsList()
	format, _ := formats[0].AsString()
	assert.Equal(t, "pdf", format)

	assert.Nil(t, Metadata(nil).Clone())
}

func TestMutation_BalanceAfter(t *testing.T) {
	after, err := Mutation{Change: 30}.BalanceAfter(20)
	require.NoError(t, err)
	assert.Equal(t, int64(50), after)

	_, err = Mutation{Change: -30}.BalanceAfter(20)
	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(30), insufficient.Required)

	_, err = Mutation{Change: math.MaxInt64}.BalanceAfter(50)
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	after, err = Mutation{Change: math.MaxInt64 - 50}.BalanceAfter(50)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), after)
}
