package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(envelopeID string, seq int64, addedAt time.Time, payload map[string]interface{}) Member {
	return Member{
		EnvelopeID: envelopeID,
		Seq:        seq,
		Payload:    payload,
		Included:   true,
		AddedAt:    addedAt,
	}
}

func TestMergeCollectAllPreservesArrivalOrder(t *testing.T) {
	now := time.Now()
	def := &Definition{Strategy: StrategyCollectAll, PreserveOrder: true}

	merged := Merge(def, []Member{
		member("env-b", 1, now, map[string]interface{}{"n": 1}),
		member("env-a", 2, now, map[string]interface{}{"n": 2}),
	})

	assert.Equal(t, 2, merged["count"])
	items := merged["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, map[string]interface{}{"n": 1}, items[0])
	assert.Equal(t, map[string]interface{}{"n": 2}, items[1])
}

func TestMergeCollectAllReordersByEnvelopeID(t *testing.T) {
	now := time.Now()
	def := &Definition{Strategy: StrategyCollectAll, PreserveOrder: false}

	merged := Merge(def, []Member{
		member("env-b", 1, now, map[string]interface{}{"n": "b"}),
		member("env-a", 2, now, map[string]interface{}{"n": "a"}),
	})

	items := merged["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, map[string]interface{}{"n": "a"}, items[0])
	assert.Equal(t, map[string]interface{}{"n": "b"}, items[1])
}

func TestMergeSkipsExcludedMembers(t *testing.T) {
	now := time.Now()
	def := &Definition{Strategy: StrategyCollectAll, PreserveOrder: true}

	late := member("env-late", 3, now, map[string]interface{}{"n": 3})
	late.Included = false

	merged := Merge(def, []Member{
		member("env-a", 1, now, map[string]interface{}{"n": 1}),
		late,
	})

	assert.Equal(t, 1, merged["count"])
	assert.Len(t, merged["items"], 1)
}

func TestMergeBatchSplitsBySize(t *testing.T) {
	now := time.Now()
	def := &Definition{Strategy: StrategyBatch, PreserveOrder: true, BatchSize: 2}

	var members []Member
	for i := 0; i < 5; i++ {
		members = append(members, member("env", int64(i), now, map[string]interface{}{"i": i}))
	}

	merged := Merge(def, members)

	assert.Equal(t, 5, merged["count"])
	assert.Equal(t, 2, merged["batch_size"])

	batches := merged["batches"].([][]interface{})
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestMergeBatchWithoutSizeUsesSingleBatch(t *testing.T) {
	now := time.Now()
	def := &Definition{Strategy: StrategyBatch, PreserveOrder: true}

	merged := Merge(def, []Member{
		member("a", 1, now, nil),
		member("b", 2, now, nil),
	})

	batches := merged["batches"].([][]interface{})
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestMergeTimeWindowTumbling(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	def := &Definition{Strategy: StrategyTimeWindow, PreserveOrder: true, WindowSeconds: 10}

	merged := Merge(def, []Member{
		member("a", 1, base, map[string]interface{}{"n": 1}),
		member("b", 2, base.Add(3*time.Second), map[string]interface{}{"n": 2}),
		member("c", 3, base.Add(12*time.Second), map[string]interface{}{"n": 3}),
	})

	assert.Equal(t, 3, merged["count"])

	windows := merged["windows"].([]interface{})
	require.Len(t, windows, 2)

	first := windows[0].(map[string]interface{})
	assert.Len(t, first["items"], 2)

	second := windows[1].(map[string]interface{})
	assert.Len(t, second["items"], 1)
}

func TestMergeSlidingWindowOverlaps(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	def := &Definition{Strategy: StrategySlidingWindow, PreserveOrder: true, WindowSeconds: 10, SlideSeconds: 5}

	merged := Merge(def, []Member{
		member("a", 1, base, map[string]interface{}{"n": 1}),
		member("b", 2, base.Add(7*time.Second), map[string]interface{}{"n": 2}),
	})

	windows := merged["windows"].([]interface{})
	require.Len(t, windows, 2)

	// The second member sits at +7s: inside both [0,10) and [5,15).
	first := windows[0].(map[string]interface{})
	assert.Len(t, first["items"], 2)

	second := windows[1].(map[string]interface{})
	assert.Len(t, second["items"], 1)
}

func TestMergeTimeWindowEmpty(t *testing.T) {
	def := &Definition{Strategy: StrategyTimeWindow, WindowSeconds: 10}

	merged := Merge(def, nil)
	assert.Equal(t, 0, merged["count"])
	assert.Empty(t, merged["windows"])
}

func TestInstanceStatusTerminal(t *testing.T) {
	assert.False(t, InstanceCollecting.Terminal())
	for _, s := range []InstanceStatus{InstanceComplete, InstanceTimeout, InstanceCancelled, InstanceFailed} {
		assert.True(t, s.Terminal(), string(s))
	}
}

func TestValidDefinitionStrategy(t *testing.T) {
	for _, s := range []DefStrategy{StrategyCollectAll, StrategyBatch, StrategyTimeWindow, StrategySlidingWindow} {
		assert.True(t, ValidStrategy(s), string(s))
	}
	assert.False(t, ValidStrategy("MERGE_LATEST"))
}
