package comms

import (
	"sort"
	"sync"

	"github.com/just-every/magi/pkg/models"
)

// CostTracker accumulates token usage across every provider call of the
// process.
type CostTracker struct {
	mu       sync.Mutex
	perModel map[string]models.Usage
}

// NewCostTracker creates an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{perModel: make(map[string]models.Usage)}
}

// Record folds one usage report into the totals.
func (t *CostTracker) Record(u models.Usage) {
	model := u.Model
	if model == "" {
		model = "unknown"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	agg := t.perModel[model]
	agg.Model = model
	agg.InputTokens += u.InputTokens
	agg.OutputTokens += u.OutputTokens
	agg.CachedTokens += u.CachedTokens
	t.perModel[model] = agg
}

// Total returns the summed usage across all models.
func (t *CostTracker) Total() models.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total models.Usage
	for _, u := range t.perModel {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CachedTokens += u.CachedTokens
	}
	return total
}

// PerModel returns the usage totals ordered by model name.
func (t *CostTracker) PerModel() []models.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Usage, 0, len(t.perModel))
	for _, u := range t.perModel {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
