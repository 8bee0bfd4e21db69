package storage

import "strings"

// listAccumulator applies start-after and max-keys semantics over a stream
// of listing entries in their final emission order. max-keys counts keys
// and common prefixes together.
type listAccumulator struct {
	query    ListQuery
	seen     map[string]struct{}
	result   ListResult
	emitted  int
	finished bool
}

func newListAccumulator(q ListQuery) *listAccumulator {
	return &listAccumulator{query: q, seen: make(map[string]struct{})}
}

// add offers one key to the accumulator. It returns false once the listing
// is full and enumeration can stop.
func (a *listAccumulator) add(key string) bool {
	if a.finished {
		return false
	}
	if !strings.HasPrefix(key, a.query.Prefix) {
		return true
	}
	name := key
	isPrefix := false
	if a.query.Delimiter != "" {
		rest := key[len(a.query.Prefix):]
		if idx := strings.Index(rest, a.query.Delimiter); idx >= 0 {
			name = a.query.Prefix + rest[:idx+len(a.query.Delimiter)]
			isPrefix = true
		}
	}
	if a.query.StartAfter != "" && name <= a.query.StartAfter {
		return true
	}
	if isPrefix {
		if _, dup := a.seen[name]; dup {
			return true
		}
	}
	if a.query.MaxKeys > 0 && a.emitted >= a.query.MaxKeys {
		a.result.Truncated = true
		a.finished = true
		return false
	}
	if isPrefix {
		a.seen[name] = struct{}{}
		a.result.CommonPrefixes = append(a.result.CommonPrefixes, name)
	} else {
		a.result.Keys = append(a.result.Keys, name)
	}
	a.emitted++
	a.result.NextStartAfter = name
	return true
}

func (a *listAccumulator) finish() *ListResult {
	out := a.result
	if !out.Truncated {
		out.NextStartAfter = ""
	}
	return &out
}

// groupKeys runs the full listing over keys already in their final order.
func groupKeys(keys []string, q ListQuery) *ListResult {
	acc := newListAccumulator(q)
	for _, key := range keys {
		if !acc.add(key) {
			break
		}
	}
	return acc.finish()
}
