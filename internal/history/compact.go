package history

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/just-every/magi/pkg/models"
)

// Summarizer condenses a batch of history messages into retention-oriented
// prose. Production wires this to a provider call on the summary model
// class; tests stub it.
type Summarizer func(ctx context.Context, msgs []models.Message) (string, error)

// CompactIfNeeded runs one compaction pass when the approximate token count
// exceeds the configured threshold. It reports whether anything changed.
//
// Selection walks categories from most to least expendable, oldest first,
// always skipping the newest 20% of each category. A selected tool call
// drags its paired output along and vice versa. The selected messages are
// replaced by a single system summary at the position of the earliest one;
// if the summarizer fails the history is tail-truncated instead.
func (s *Store) CompactIfNeeded(ctx context.Context) (bool, error) {
	s.mu.Lock()
	msgs := append([]models.Message(nil), s.messages...)
	s.mu.Unlock()

	approx := approxTokens(msgs)
	if approx <= s.threshold {
		return false, nil
	}

	target := compactionTarget(approx, s.threshold, len(msgs))
	if target <= 0 {
		return false, nil
	}

	selected := selectForCompaction(msgs, s.name, target)
	if len(selected) == 0 {
		return false, nil
	}

	order := make([]int, 0, len(selected))
	for i := range selected {
		order = append(order, i)
	}
	sort.Ints(order)
	batch := make([]models.Message, 0, len(order))
	for _, i := range order {
		batch = append(batch, msgs[i])
	}

	summary, err := s.runSummarizer(ctx, batch)
	if err != nil {
		s.logger.Warn(ctx, "history summarizer failed, tail-truncating", "error", err, "selected", len(batch))
		s.truncateTail(msgs, target)
		s.observeCompaction("truncated")
		return true, nil
	}

	spliced := make([]models.Message, 0, len(msgs)-len(order)+1)
	for i, msg := range msgs {
		if i == order[0] {
			spliced = append(spliced, models.NewMessage(models.RoleSystem, SummaryPrefix+summary))
		}
		if _, drop := selected[i]; drop {
			continue
		}
		spliced = append(spliced, msg)
	}

	s.writeBack(msgs, spliced)

	s.logger.Info(ctx, "history compacted",
		"removed", len(order), "remaining", len(spliced), "approx_tokens_before", approx)
	s.observeCompaction("summarized")
	return true, nil
}

func (s *Store) runSummarizer(ctx context.Context, batch []models.Message) (string, error) {
	if s.summarize == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	summary, err := s.summarize(ctx, batch)
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty text")
	}
	return summary, nil
}

// truncateTail keeps the newest len-target messages.
func (s *Store) truncateTail(msgs []models.Message, target int) {
	keep := len(msgs) - target
	if keep < minRetainedMessages {
		keep = minRetainedMessages
	}
	if keep >= len(msgs) {
		return
	}
	s.writeBack(msgs, msgs[len(msgs)-keep:])
}

// writeBack installs the compacted list, preserving any messages appended
// while the summarizer was running. snapshot is the list compaction worked
// from; whatever writers appended past its length is re-appended after the
// compacted prefix. A concurrent Replace that shrank the list wins outright.
func (s *Store) writeBack(snapshot, compacted []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) < len(snapshot) {
		return
	}
	suffix := s.messages[len(snapshot):]
	next := make([]models.Message, 0, len(compacted)+len(suffix))
	next = append(next, compacted...)
	next = append(next, suffix...)
	s.messages = next
}

func (s *Store) observeCompaction(outcome string) {
	if s.metrics != nil {
		s.metrics.Compactions.WithLabelValues(outcome).Inc()
	}
}

// compactionTarget converts the token excess into a message count, clamped
// so at least minRetainedMessages survive.
func compactionTarget(approx, threshold, n int) int {
	if n <= minRetainedMessages {
		return 0
	}
	avg := approx / n
	if avg < 1 {
		avg = 1
	}
	excess := approx - threshold
	target := (excess + avg - 1) / avg
	if max := n - minRetainedMessages; target > max {
		target = max
	}
	return target
}

// selectForCompaction picks up to target message indexes in category
// priority order, oldest first within each category, never touching the
// newest 20% of a category. Tool-call pairing is preserved: selecting either
// side selects both.
func selectForCompaction(msgs []models.Message, name string, target int) map[int]struct{} {
	byCat := make(map[Category][]int)
	for i, msg := range msgs {
		cat := Categorize(msg, name)
		byCat[cat] = append(byCat[cat], i)
	}
	pairs := pairIndexes(msgs)

	selected := make(map[int]struct{})
	count := 0
	for _, cat := range compactionOrder {
		idxs := byCat[cat]
		if len(idxs) == 0 {
			continue
		}
		// ceil(20%) of the category is off limits.
		protected := (len(idxs) + 4) / 5
		for _, i := range idxs[:len(idxs)-protected] {
			if count >= target {
				return selected
			}
			if _, ok := selected[i]; ok {
				continue
			}
			selected[i] = struct{}{}
			count++
			if j, ok := pairs[i]; ok {
				if _, dup := selected[j]; !dup {
					selected[j] = struct{}{}
					count++
				}
			}
		}
	}
	return selected
}
