package agent

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/just-every/magi/internal/config"
)

// Rotator picks the next model for an agent from a weighted model class,
// avoiding immediate repeats and honoring disabled models. Selection is
// proportional to the class-specific score of each candidate; a class whose
// candidates all score zero falls back to a uniform draw.
type Rotator struct {
	mu       sync.Mutex
	cfg      config.ModelsConfig
	lastUsed map[string]string
	disabled map[string]bool
	rng      *rand.Rand
}

// NewRotator creates a rotator over the configured model classes.
func NewRotator(cfg config.ModelsConfig, seed int64) *Rotator {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, m := range cfg.Disabled {
		disabled[m] = true
	}
	return &Rotator{
		cfg:      cfg,
		lastUsed: make(map[string]string),
		disabled: disabled,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Disable removes a model from rotation everywhere.
func (r *Rotator) Disable(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[model] = true
}

// Enable returns a model to rotation.
func (r *Rotator) Enable(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disabled, model)
}

// Pick selects the next model for agentName from class. A configured class
// override is returned unchanged, bypassing rotation entirely. A class with
// no remaining candidates falls back to class standard before the repeat
// filter is relaxed.
func (r *Rotator) Pick(agentName, class string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pinned, ok := r.cfg.Overrides[class]; ok && pinned != "" {
		return pinned, nil
	}

	model, err := r.pickFromClass(agentName, class, false)
	if err != nil && class != "standard" {
		model, err = r.pickFromClass(agentName, "standard", false)
	}
	if err != nil {
		// Every fallback is exhausted; allow the immediate repeat rather
		// than starve a single-model deployment.
		model, err = r.pickFromClass(agentName, class, true)
		if err != nil && class != "standard" {
			model, err = r.pickFromClass(agentName, "standard", true)
		}
	}
	if err != nil {
		return "", err
	}
	r.lastUsed[agentName] = model
	return model, nil
}

func (r *Rotator) pickFromClass(agentName, class string, allowRepeat bool) (string, error) {
	mc, ok := r.cfg.Classes[class]
	if !ok {
		return "", fmt.Errorf("unknown model class %q", class)
	}

	last := r.lastUsed[agentName]
	candidates := make([]string, 0, len(mc.Models))
	for _, m := range mc.Models {
		if r.disabled[m] {
			continue
		}
		if !allowRepeat && m == last {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("model class %q has no enabled candidates", class)
	}

	total := 0
	for _, m := range candidates {
		total += mc.Scores[m]
	}
	if total <= 0 {
		return candidates[r.rng.Intn(len(candidates))], nil
	}

	draw := r.rng.Intn(total)
	running := 0
	for _, m := range candidates {
		running += mc.Scores[m]
		if draw < running {
			return m, nil
		}
	}
	// Rounding shortfall: fall through to the last candidate.
	return candidates[len(candidates)-1], nil
}
