package models

import (
	"strings"
	"testing"
	"time"
)

func validEvent() Event {
	return Event{
		ID:        "$abc",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Sender:    "@a:test",
		Type:      EventTypeMessage,
	}
}

func TestValidateAcceptsCompleteEvent(t *testing.T) {
	ev := validEvent()
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	ev.Relation = &Relation{TargetID: "$target", Kind: RelationEdit}
	if err := ev.Validate(); err != nil {
		t.Fatalf("Validate with relation: %v", err)
	}
}

func TestValidateAggregatesFailures(t *testing.T) {
	ev := Event{}
	err := ev.Validate()
	if err == nil {
		t.Fatal("empty event passed validation")
	}
	for _, field := range []string{"id", "timestamp", "sender", "type"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q missing field %s", err.Error(), field)
		}
	}
}

func TestValidateRelation(t *testing.T) {
	ev := validEvent()
	ev.Relation = &Relation{}
	err := ev.Validate()
	if err == nil {
		t.Fatal("empty relation passed validation")
	}
	if !strings.Contains(err.Error(), "relation.target_id") {
		t.Errorf("error %q missing relation.target_id", err.Error())
	}
	if !strings.Contains(err.Error(), "relation.kind") {
		t.Errorf("error %q missing relation.kind", err.Error())
	}
}
