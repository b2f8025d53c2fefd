// Package history implements the overseer's append-only message history:
// thread merging from concurrent sub-agents, category-aware compaction, and
// the monologue ingestion helpers.
package history

import (
	"regexp"
	"strings"
	"sync"

	"github.com/just-every/magi/internal/config"
	"github.com/just-every/magi/internal/observability"
	"github.com/just-every/magi/pkg/models"
)

// minRetainedMessages is the floor compaction always leaves in place.
const minRetainedMessages = 4

// Store is the per-overseer history: an append-only list of messages plus a
// queue of pending threads produced by concurrent sub-agents. Threads are
// drained in FIFO order at the start of each monologue turn.
type Store struct {
	mu        sync.Mutex
	name      string
	threshold int
	summarize Summarizer
	logger    *observability.Logger
	metrics   *observability.Metrics

	messages []models.Message
	threads  [][]models.Message
}

// NewStore creates a history store. name is the assistant's name used for
// monologue prefixes; summarize backs compaction and may be stubbed in
// tests.
func NewStore(name string, cfg config.HistoryConfig, summarize Summarizer, logger *observability.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = observability.Nop()
	}
	threshold := cfg.CompactionThresholdTokens
	if threshold <= 0 {
		threshold = 50_000
	}
	return &Store{
		name:      name,
		threshold: threshold,
		summarize: summarize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Append adds messages to the history.
func (s *Store) Append(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Replace swaps the entire history, used when reloading messages.json on
// start.
func (s *Store) Replace(msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]models.Message(nil), msgs...)
}

// Messages returns a copy of the current history.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Len returns the number of messages in the history.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ApproxTokens estimates the history's token count as total characters
// divided by four.
func (s *Store) ApproxTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return approxTokens(s.messages)
}

// QueueThread enqueues a sub-agent's message thread for the next drain.
func (s *Store) QueueThread(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, append([]models.Message(nil), msgs...))
}

// DrainThreads appends every queued thread to the history in FIFO order and
// returns the number of messages merged.
func (s *Store) DrainThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := 0
	for _, thread := range s.threads {
		s.messages = append(s.messages, thread...)
		merged += len(thread)
	}
	s.threads = nil
	return merged
}

// AddMonologue appends an internal thought. Leading assistant-name and
// "Thoughts:" prefixes the model tends to echo are stripped so the canonical
// "<Name> thoughts:" prefix appears exactly once.
func (s *Store) AddMonologue(text string) {
	text = strings.TrimSpace(text)
	re := regexp.MustCompile(`(?i)^(?:` + regexp.QuoteMeta(s.name) + `\s*:?\s+)?(?:thoughts?\s*:\s*)?`)
	if stripped := re.ReplaceAllString(text, ""); stripped != "" {
		text = strings.TrimSpace(stripped)
	}
	if text == "" {
		return
	}
	s.Append(models.NewMessage(models.RoleAssistant, s.name+" thoughts: "+text))
}

// AddUserSaid records an inbound human message under the canonical
// "<person> said:" prefix that the talk-to-user nudge keys on.
func (s *Store) AddUserSaid(person, text string) {
	s.Append(models.NewMessage(models.RoleDeveloper, person+" said: "+strings.TrimSpace(text)))
}

func approxTokens(msgs []models.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content) + len(m.Arguments) + len(m.Output) + len(m.Name)
	}
	return chars / 4
}
