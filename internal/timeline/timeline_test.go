package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

func msg(id string, minute int) models.Event {
	return models.Event{
		ID:        id,
		Timestamp: time.Date(2026, 3, 1, 12, minute, 0, 0, time.UTC),
		Sender:    "@a:test",
		Type:      models.EventTypeMessage,
		Content:   json.RawMessage(`{"body":"` + id + `"}`),
	}
}

func related(id string, minute int, target string, kind models.RelationKind) models.Event {
	ev := msg(id, minute)
	if kind == models.RelationReaction {
		ev.Type = models.EventTypeReaction
	}
	ev.Relation = &models.Relation{TargetID: target, Kind: kind}
	return ev
}

func TestClassifyRouting(t *testing.T) {
	tl := New(Filters{})

	cases := []struct {
		name string
		ev   models.Event
		want Class
	}{
		{"message", msg("e1", 1), ClassMain},
		{"sticker", func() models.Event { e := msg("e2", 2); e.Type = models.EventTypeSticker; return e }(), ClassMain},
		{"create", func() models.Event { e := msg("e3", 3); e.Type = models.EventTypeConversationCreate; return e }(), ClassMain},
		{"edit", related("e4", 4, "e1", models.RelationEdit), ClassEdit},
		{"reaction", related("e5", 5, "e1", models.RelationReaction), ClassReaction},
		{"redaction", related("e6", 6, "e1", models.RelationRedaction), ClassDrop},
		{"unknown", func() models.Event { e := msg("e7", 7); e.Type = "widget.spin"; return e }(), ClassDrop},
		{"empty id", models.Event{}, ClassDrop},
	}
	for _, tc := range cases {
		if got := tl.Classify(&tc.ev); got != tc.want {
			t.Fatalf("%s: Classify = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClassifyRespectsFilters(t *testing.T) {
	join := msg("j1", 1)
	join.Type = models.EventTypeMembership
	profile := msg("p1", 2)
	profile.Type = models.EventTypeProfileChange

	tl := New(Filters{})
	if got := tl.Classify(&join); got != ClassMain {
		t.Fatalf("membership unfiltered = %v, want ClassMain", got)
	}

	tl = New(Filters{SuppressMembership: true, SuppressProfileChanges: true})
	if got := tl.Classify(&join); got != ClassDrop {
		t.Fatalf("membership filtered = %v, want ClassDrop", got)
	}
	if got := tl.Classify(&profile); got != ClassDrop {
		t.Fatalf("profile filtered = %v, want ClassDrop", got)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	tl := New(Filters{})
	if !tl.Ingest(msg("e1", 1)) {
		t.Fatalf("first ingest did not grow")
	}
	if tl.Ingest(msg("e1", 1)) {
		t.Fatalf("duplicate ingest grew the main array")
	}
	if tl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tl.Len())
	}

	// Aux routing is deduplicated too.
	tl.Ingest(related("r1", 2, "e1", models.RelationReaction))
	tl.Ingest(related("r1", 2, "e1", models.RelationReaction))
	if got := len(tl.Reactions("e1")); got != 1 {
		t.Fatalf("reactions = %d, want 1", got)
	}
}

func TestEffectiveContentFollowsLatestEdit(t *testing.T) {
	tl := New(Filters{})
	original := msg("e1", 1)
	tl.Ingest(original)
	tl.Ingest(related("ed1", 2, "e1", models.RelationEdit))
	second := related("ed2", 3, "e1", models.RelationEdit)
	second.Content = json.RawMessage(`{"body":"final"}`)
	tl.Ingest(second)

	if got := string(tl.EffectiveContent(original)); got != `{"body":"final"}` {
		t.Fatalf("EffectiveContent = %s", got)
	}
	if got := len(tl.Edits("e1")); got != 2 {
		t.Fatalf("edits = %d, want 2", got)
	}
	// Events without edits return their own content.
	other := msg("e2", 4)
	tl.Ingest(other)
	if got := string(tl.EffectiveContent(other)); got != `{"body":"e2"}` {
		t.Fatalf("EffectiveContent without edits = %s", got)
	}
}

func TestRedactRemovesExactlyOne(t *testing.T) {
	tl := New(Filters{})
	tl.Ingest(msg("e1", 1))
	tl.Ingest(msg("e2", 2))
	tl.Ingest(msg("e3", 3))
	tl.Ingest(related("r1", 4, "e2", models.RelationReaction))

	removed, idx := tl.Redact("e2")
	if removed == nil || removed.ID != "e2" {
		t.Fatalf("Redact removed = %+v", removed)
	}
	if idx != 1 {
		t.Fatalf("Redact idx = %d, want 1", idx)
	}
	if tl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tl.Len())
	}
	if got := len(tl.Reactions("e2")); got != 0 {
		t.Fatalf("reactions survived redaction: %d", got)
	}

	// A late re-delivery of the redacted event drops.
	if tl.Ingest(msg("e2", 2)) {
		t.Fatalf("redacted event re-ingested")
	}

	// Redacting something never materialized reports -1.
	removed, idx = tl.Redact("ghost")
	if removed != nil || idx != -1 {
		t.Fatalf("Redact(ghost) = %+v, %d", removed, idx)
	}
}

func TestFirstIndexAfter(t *testing.T) {
	tl := New(Filters{})
	tl.Ingest(msg("e1", 1))
	tl.Ingest(msg("e2", 2))
	tl.Ingest(msg("e3", 3))

	marker := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)
	if got := tl.FirstIndexAfter(marker); got != 2 {
		t.Fatalf("FirstIndexAfter = %d, want 2", got)
	}
	late := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	if got := tl.FirstIndexAfter(late); got != tl.Len() {
		t.Fatalf("FirstIndexAfter(late) = %d, want Len", got)
	}
}

func TestRebuildFromChain(t *testing.T) {
	arena := segment.NewArena()
	if err := arena.Add(&segment.Segment{ID: "old", Events: []models.Event{msg("e1", 1), msg("e2", 2)}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := arena.LinkAfter("old", &segment.Segment{ID: "live", Events: []models.Event{msg("e3", 3), related("ed1", 4, "e2", models.RelationEdit)}}); err != nil {
		t.Fatalf("LinkAfter: %v", err)
	}

	tl := New(Filters{})
	tl.Ingest(msg("stale", 0))

	transformed := 0
	tl.RebuildFromChain(arena, "live", func(ev models.Event) models.Event {
		transformed++
		return ev
	})

	if tl.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tl.Len())
	}
	if tl.IndexOf("stale") != -1 {
		t.Fatalf("stale event survived rebuild")
	}
	if tl.At(0).ID != "e1" || tl.At(2).ID != "e3" {
		t.Fatalf("rebuild order wrong: %s .. %s", tl.At(0).ID, tl.At(2).ID)
	}
	if transformed != 4 {
		t.Fatalf("transform calls = %d, want 4", transformed)
	}
	if got := len(tl.Edits("e2")); got != 1 {
		t.Fatalf("edits after rebuild = %d, want 1", got)
	}
}

func TestPendingDecryptsCounter(t *testing.T) {
	tl := New(Filters{})
	tl.BeginDecrypt()
	tl.BeginDecrypt()
	if got := tl.PendingDecrypts(); got != 2 {
		t.Fatalf("PendingDecrypts = %d, want 2", got)
	}
	tl.EndDecrypt()
	tl.EndDecrypt()
	tl.EndDecrypt() // never goes negative
	if got := tl.PendingDecrypts(); got != 0 {
		t.Fatalf("PendingDecrypts = %d, want 0", got)
	}
}

func TestSliceClampsBounds(t *testing.T) {
	tl := New(Filters{})
	tl.Ingest(msg("e1", 1))
	tl.Ingest(msg("e2", 2))

	if got := tl.Slice(-5, 10); len(got) != 2 {
		t.Fatalf("Slice(-5, 10) len = %d, want 2", len(got))
	}
	if got := tl.Slice(2, 1); got != nil {
		t.Fatalf("inverted Slice = %v, want nil", got)
	}
}
