package process

import (
	"context"
	"io"
	"sync"
)

// resumeLadder is written to each attached PTY on resume. Code assistants
// differ in which line ending wakes them, so every variant is sent.
var resumeLadder = []string{"Please continue\r\n", "\r\n", "\n"}

// pauseEscape aborts code-assistant providers running on a PTY.
const pauseEscape = "\x1b\x1b"

// PauseController is the watchable process-wide pause flag. While paused,
// Wait blocks new provider calls; in-flight calls complete. Pausing twice is
// the same as pausing once.
type PauseController struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	ptys    map[io.Writer]struct{}
}

// NewPauseController creates a controller in the running state.
func NewPauseController() *PauseController {
	return &PauseController{
		resumed: make(chan struct{}),
		ptys:    make(map[io.Writer]struct{}),
	}
}

// Pause sets the flag and sends the double-escape to every attached PTY.
// It reports whether the state changed.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return false
	}
	p.paused = true
	for w := range p.ptys {
		io.WriteString(w, pauseEscape)
	}
	return true
}

// Resume clears the flag, wakes every waiter, and nudges each attached PTY
// back to work. It reports whether the state changed.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return false
	}
	p.paused = false
	close(p.resumed)
	p.resumed = make(chan struct{})
	for w := range p.ptys {
		for _, line := range resumeLadder {
			io.WriteString(w, line)
		}
	}
	return true
}

// Paused reports the current state.
func (p *PauseController) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Wait blocks until the system is running, or until ctx is done. It
// implements the agent runtime's pause gate.
func (p *PauseController) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if !p.paused {
			p.mu.Unlock()
			return nil
		}
		resumed := p.resumed
		p.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AttachPTY registers a PTY for pause and resume signalling.
func (p *PauseController) AttachPTY(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ptys[w] = struct{}{}
}

// DetachPTY removes a previously attached PTY.
func (p *PauseController) DetachPTY(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ptys, w)
}
