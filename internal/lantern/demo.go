package lantern

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/store"
)

// demoSelf is the local user in the demo conversation; their own messages
// never advance the read marker.
const demoSelf = "@you:demo"

var demoSenders = []string{"@ada:demo", "@linus:demo", demoSelf, "@grace:demo"}

var demoLines = []string{
	"did you see the deploy finish?",
	"yeah, all green",
	"the new pagination feels a lot snappier",
	"pushing a follow-up in a minute",
	"lunch?",
	"reviewing now",
	"merged",
	"the cache warm-up took 3s on my machine",
	"can you repro the scroll jump?",
	"not anymore after the anchor fix",
}

func messageContent(body string) json.RawMessage {
	raw, _ := json.Marshal(models.MessageContent{Body: body})
	return raw
}

// demoHistory builds n events of plausible conversation history spread over
// the past days: mostly messages, a sprinkle of reactions and edits, a
// membership change per day, and conversation.create at the very start.
func demoHistory(n int) []models.Event {
	if n < 2 {
		n = 2
	}
	start := time.Now().Add(-time.Duration(n) * 5 * time.Minute)

	history := make([]models.Event, 0, n)
	history = append(history, models.Event{
		ID:        "$create-" + uuid.NewString(),
		Timestamp: start,
		Sender:    demoSenders[0],
		Type:      models.EventTypeConversationCreate,
		Content:   json.RawMessage(`{}`),
	})

	var lastMessageID string
	for i := 1; i < n; i++ {
		ts := start.Add(time.Duration(i) * 5 * time.Minute)
		sender := demoSenders[i%len(demoSenders)]
		ev := models.Event{
			ID:        fmt.Sprintf("$demo-%04d", i),
			Timestamp: ts,
			Sender:    sender,
			Type:      models.EventTypeMessage,
			Content:   messageContent(demoLines[i%len(demoLines)]),
		}

		switch {
		case i%17 == 0 && lastMessageID != "":
			ev.Type = models.EventTypeReaction
			ev.Relation = &models.Relation{TargetID: lastMessageID, Kind: models.RelationReaction}
			raw, _ := json.Marshal(models.ReactionContent{Key: "👍"})
			ev.Content = raw
		case i%29 == 0 && lastMessageID != "":
			ev.Relation = &models.Relation{TargetID: lastMessageID, Kind: models.RelationEdit}
			ev.Content = messageContent(demoLines[i%len(demoLines)] + " (edited)")
		case i%61 == 0:
			ev.Type = models.EventTypeMembership
			raw, _ := json.Marshal(models.MembershipContent{Action: "join", UserID: sender})
			ev.Content = raw
		default:
			lastMessageID = ev.ID
		}
		history = append(history, ev)
	}
	return history
}

// startDemoFeeder pushes a live message every few seconds so the live tail
// path has something to show. The returned func stops it.
func startDemoFeeder(mem *store.MemoryStore) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(7 * time.Second)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sender := demoSenders[i%2] // never demoSelf, so unread state moves
				_ = mem.AppendLive(models.Event{
					ID:        "$live-" + uuid.NewString(),
					Timestamp: time.Now(),
					Sender:    sender,
					Type:      models.EventTypeMessage,
					Content:   messageContent(demoLines[i%len(demoLines)]),
				})
				i++
			}
		}
	}()
	return func() { close(stop) }
}
