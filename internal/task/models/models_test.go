package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(ts interface{}, price float64) Value {
	return MustScalar(map[string]interface{}{"timestamp": ts, "price": price})
}

func TestStateMerge_DedupesByTimestamp(t *testing.T) {
	s := State{"prices": Sequence(sample("2024-01-01T00:00:00Z", 10))}

	s.Merge(State{"prices": Sequence(
		sample("2024-01-01T00:00:00Z", 99), // already stored
		sample("2024-01-02T00:00:00Z", 11),
	)})

	items := s["prices"].Items()
	require.Len(t, items, 2)

	var first map[string]interface{}
	require.NoError(t, items[0].Decode(&first))
	assert.Equal(t, 10.0, first["price"], "existing sample must not be replaced")
}

func TestStateMerge_Idempotent(t *testing.T) {
	update := State{"prices": Sequence(sample(1700000000, 1), sample(1700000060, 2))}

	once := State{"prices": Sequence()}
	once.Merge(update)

	twice := State{"prices": Sequence()}
	twice.Merge(update)
	twice.Merge(update)

	assert.True(t, once["prices"].Equal(twice["prices"]))
	assert.Equal(t, 2, twice["prices"].Len())
}

func TestStateMerge_AppendsUntimestampedAndOverwritesScalars(t *testing.T) {
	s := State{
		"notes": Sequence(MustScalar("a")),
		"title": MustScalar("old"),
		"mixed": MustScalar(3),
	}

	s.Merge(State{
		"notes": Sequence(MustScalar("a"), MustScalar("b")),
		"title": MustScalar("new"),
		"mixed": Sequence(MustScalar(1)),
		"fresh": MustScalar(true),
	})

	assert.Equal(t, 3, s["notes"].Len(), "elements without timestamps are appended wholesale")
	assert.True(t, s["title"].Equal(MustScalar("new")))
	assert.True(t, s["mixed"].IsSequence())
	assert.True(t, s["fresh"].Equal(MustScalar(true)))
}

func TestStateMerge_DedupesWithinOneUpdate(t *testing.T) {
	s := State{"prices": Sequence()}
	s.Merge(State{"prices": Sequence(sample(5, 1), sample(5, 2))})
	assert.Equal(t, 1, s["prices"].Len())
}

func TestValue_JSONShapes(t *testing.T) {
	raw := `{"prices":[{"timestamp":1,"price":2}],"count":4,"meta":{"a":"b"}}`
	var s State
	require.NoError(t, json.Unmarshal([]byte(raw), &s))

	assert.True(t, s["prices"].IsSequence())
	assert.False(t, s["count"].IsSequence())
	ts, ok := s["prices"].Items()[0].TimestampKey()
	require.True(t, ok)
	assert.Equal(t, "1", ts)
	_, ok = s["meta"].TimestampKey()
	assert.False(t, ok)

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestStateClone_IsIndependent(t *testing.T) {
	s := State{"xs": Sequence(MustScalar(1))}
	c := s.Clone()
	c.Merge(State{"xs": Sequence(MustScalar(2))})

	assert.Equal(t, 1, s["xs"].Len())
	assert.Equal(t, 2, c["xs"].Len())
}

func TestTriggerValidate(t *testing.T) {
	assert.NoError(t, Trigger{Type: TriggerOneTime}.Validate())
	assert.Error(t, Trigger{Type: TriggerOnGoing}.Validate())
	assert.NoError(t, Trigger{Type: TriggerOnGoing, Domain: "example.com"}.Validate())
	assert.Error(t, Trigger{Type: TriggerScheduled, Frequency: "monthly"}.Validate())
	assert.Error(t, Trigger{Type: TriggerScheduled, Frequency: FrequencyDaily, Timing: "25:00"}.Validate())
	assert.NoError(t, Trigger{Type: TriggerScheduled, Frequency: FrequencyDaily, Timing: "09:00"}.Validate())
	assert.Error(t, Trigger{Type: "sometimes"}.Validate())
}

func TestParseTiming(t *testing.T) {
	h, m, err := ParseTiming("09:05")
	require.NoError(t, err)
	assert.Equal(t, 9, h)
	assert.Equal(t, 5, m)

	_, _, err = ParseTiming("9")
	assert.Error(t, err)
}
