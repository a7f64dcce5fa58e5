package relay

import (
	"fmt"
	"sync"
	"time"
)

// HistoryEntry records one inbound command.
type HistoryEntry struct {
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
	Client    string         `json:"client"`
	Timestamp time.Time      `json:"timestamp"`
}

// History is an append-only command log. With a positive limit only the newest entries are kept.
type History struct {
	mu      sync.Mutex
	limit   int
	entries []HistoryEntry
}

func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// bulkParams are replaced by a size note when recorded.
var bulkParams = []string{"file_data"}

// Record appends e. Bulk payloads in its params are not kept, only their size.
func (h *History) Record(e HistoryEntry) {
	e.Params = withoutBulk(e.Params)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if h.limit > 0 && len(h.entries) > h.limit {
		h.entries = append(h.entries[:0:0], h.entries[len(h.entries)-h.limit:]...)
	}
}

// Entries returns a copy of the log, oldest first.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append(make([]HistoryEntry, 0, len(h.entries)), h.entries...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func withoutBulk(params map[string]any) map[string]any {
	var out map[string]any
	for _, k := range bulkParams {
		v, ok := params[k]
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]any, len(params))
			for pk, pv := range params {
				out[pk] = pv
			}
		}
		if str, ok := v.(string); ok {
			out[k] = fmt.Sprintf("<%d bytes omitted>", len(str))
		} else {
			out[k] = "<omitted>"
		}
	}
	if out == nil {
		return params
	}
	return out
}
