package aggregation

import (
	"sort"
	"time"
)

// Merge folds the included members into one payload per the
// definition's strategy. Members arrive in sequence order; when the
// definition does not preserve order they are reordered by envelope id
// so the result is deterministic but arrival-independent.
func Merge(def *Definition, members []Member) map[string]interface{} {
	ordered := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Included {
			ordered = append(ordered, m)
		}
	}

	if !def.PreserveOrder {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].EnvelopeID < ordered[j].EnvelopeID
		})
	}

	switch def.Strategy {
	case StrategyBatch:
		return mergeBatch(def, ordered)
	case StrategyTimeWindow:
		return mergeTimeWindow(def, ordered, false)
	case StrategySlidingWindow:
		return mergeTimeWindow(def, ordered, true)
	default:
		return mergeCollectAll(ordered)
	}
}

func mergeCollectAll(members []Member) map[string]interface{} {
	return map[string]interface{}{
		"items": memberPayloads(members),
		"count": len(members),
	}
}

func mergeBatch(def *Definition, members []Member) map[string]interface{} {
	size := def.BatchSize
	if size <= 0 {
		size = len(members)
	}
	if size <= 0 {
		size = 1
	}

	var batches [][]interface{}
	for start := 0; start < len(members); start += size {
		end := start + size
		if end > len(members) {
			end = len(members)
		}
		batches = append(batches, memberPayloads(members[start:end]))
	}

	return map[string]interface{}{
		"batches":    batches,
		"batch_size": size,
		"count":      len(members),
	}
}

// mergeTimeWindow groups members by arrival-time windows. Tumbling
// windows advance by the window length; sliding windows advance by the
// slide interval, so one member may appear in several windows.
func mergeTimeWindow(def *Definition, members []Member, sliding bool) map[string]interface{} {
	if len(members) == 0 {
		return map[string]interface{}{"windows": []interface{}{}, "count": 0}
	}

	window := time.Duration(def.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Second
	}
	step := window
	if sliding {
		if def.SlideSeconds > 0 {
			step = time.Duration(def.SlideSeconds) * time.Second
		}
		if step > window {
			step = window
		}
	}

	first := members[0].AddedAt
	last := members[0].AddedAt
	for _, m := range members {
		if m.AddedAt.Before(first) {
			first = m.AddedAt
		}
		if m.AddedAt.After(last) {
			last = m.AddedAt
		}
	}

	var windows []interface{}
	for start := first; !start.After(last); start = start.Add(step) {
		end := start.Add(window)
		var items []interface{}
		for _, m := range members {
			if !m.AddedAt.Before(start) && m.AddedAt.Before(end) {
				items = append(items, m.Payload)
			}
		}
		if len(items) > 0 {
			windows = append(windows, map[string]interface{}{
				"start": start.UTC().Format(time.RFC3339Nano),
				"end":   end.UTC().Format(time.RFC3339Nano),
				"items": items,
			})
		}
	}

	return map[string]interface{}{
		"windows": windows,
		"count":   len(members),
	}
}

func memberPayloads(members []Member) []interface{} {
	payloads := make([]interface{}, len(members))
	for i, m := range members {
		payloads[i] = m.Payload
	}
	return payloads
}
