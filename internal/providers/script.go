package providers

import (
	"context"

	"github.com/just-every/magi/pkg/models"
)

// ScriptProvider replays canned event sequences; it backs unit tests and the
// engine's offline test mode. Each Run consumes the next script in order,
// repeating the last one when the scripts run out.
type ScriptProvider struct {
	name    string
	scripts [][]*models.Event
	calls   int

	// LastRequest records the most recent request for assertions.
	LastRequest *Request
}

// NewScriptProvider creates a provider that replays the given scripts.
// A terminal stream_end is appended to any script missing one.
func NewScriptProvider(name string, scripts ...[]*models.Event) *ScriptProvider {
	if name == "" {
		name = "script"
	}
	return &ScriptProvider{name: name, scripts: scripts}
}

// Name implements Provider.
func (p *ScriptProvider) Name() string { return p.name }

// Calls reports how many times Run has been invoked.
func (p *ScriptProvider) Calls() int { return p.calls }

// Run implements Provider.
func (p *ScriptProvider) Run(ctx context.Context, req *Request) (<-chan *models.Event, error) {
	p.LastRequest = req
	var script []*models.Event
	if len(p.scripts) > 0 {
		idx := p.calls
		if idx >= len(p.scripts) {
			idx = len(p.scripts) - 1
		}
		script = p.scripts[idx]
	}
	p.calls++

	events := make(chan *models.Event)
	go func() {
		defer close(events)
		ended := false
		for _, ev := range script {
			select {
			case events <- ev:
				if ev.Type == models.EventStreamEnd {
					ended = true
				}
			case <-ctx.Done():
				return
			}
			if ended {
				return
			}
		}
		if !ended {
			select {
			case events <- models.NewStreamEnd():
			case <-ctx.Done():
			}
		}
	}()
	return events, nil
}
