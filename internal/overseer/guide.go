package overseer

import (
	"fmt"

	"github.com/just-every/magi/internal/history"
	"github.com/just-every/magi/pkg/models"
)

// mindWanderChance is the fraction of idle turns that get a wandering
// prompt instead of no prompt at all.
const mindWanderChance = 0.1

// recentTalkWindow is how many trailing messages count as "just spoke".
const recentTalkWindow = 3

// promptGuide inspects the persisted history and produces the ephemeral
// steering message for this turn. When the human's latest message has no
// reply yet, the returned flag forces the talk tool.
func (o *Overseer) promptGuide(base []models.Message) (nudge string, forceTalk bool) {
	lastSaid, lastTalk := -1, -1
	for i, msg := range base {
		switch history.Categorize(msg, o.name) {
		case history.CategoryUserSaid:
			lastSaid = i
		case history.CategoryTalkToUserToolCall:
			lastTalk = i
		}
	}

	if lastSaid >= 0 && lastTalk < lastSaid {
		return fmt.Sprintf("%s is waiting for your reply. Respond now with %s before doing anything else.",
			o.personName, o.talkToolName()), true
	}

	if lastTalk >= 0 && len(base)-lastTalk <= recentTalkWindow {
		return fmt.Sprintf("You just spoke to %s. Do not message them again unless something important changed; continue your own work instead.",
			o.personName), false
	}

	if o.rng.Float64() < mindWanderChance {
		return "Let your mind wander for a moment. Review your memories, your tasks and your goals, and note anything worth acting on.", false
	}
	return "", false
}
