package models

import (
	"fmt"
	"testing"
)

func TestNewRecordDefaults(t *testing.T) {
	r := NewRecord("u1")
	if r.Tier != TierFree || r.State != StateIdle || r.UsageCount != 0 || r.Version != 0 {
		t.Errorf("unexpected defaults: %+v", r)
	}
	if r.SafetyContext == nil || r.OfferedDiaryPrompt == nil {
		t.Error("expected maps to be initialised")
	}
}

func TestSetSafetyContextNeverOverwrites(t *testing.T) {
	r := NewRecord("u1")
	if !r.SetSafetyContext(PillarNutrition, "peanuts") {
		t.Fatal("expected first answer to be stored")
	}
	if r.SetSafetyContext(PillarNutrition, "none") {
		t.Error("expected second answer to be rejected")
	}
	if r.SafetyContext[PillarNutrition] != "peanuts" {
		t.Errorf("expected original answer, got %q", r.SafetyContext[PillarNutrition])
	}
	if r.SetSafetyContext(PillarActivity, "") {
		t.Error("expected empty answer to be rejected")
	}
}

func TestAwaitAndClearPendingSafety(t *testing.T) {
	r := NewRecord("u1")
	r.AwaitSafetyAnswer(PillarActivity, "best workout for knees?")
	if r.State != StateAwaitingSafetyAnswer {
		t.Fatalf("expected awaiting state, got %s", r.State)
	}
	p, msg := r.ClearPendingSafety()
	if p != PillarActivity || msg != "best workout for knees?" {
		t.Errorf("unexpected pending values: %s %q", p, msg)
	}
	if r.State != StateNormal || r.PendingSafetyPillar != "" || r.PendingOriginalMessage != "" {
		t.Errorf("expected pending markers cleared: %+v", r)
	}
}

func TestAppendHistoryFIFO(t *testing.T) {
	const bound = 5
	r := NewRecord("u1")
	for i := 0; i < 12; i++ {
		r.AppendHistory(bound, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
		if len(r.History) > bound {
			t.Fatalf("history length %d exceeds bound %d", len(r.History), bound)
		}
	}
	if r.History[0].Content != "m7" || r.History[bound-1].Content != "m11" {
		t.Errorf("expected oldest entries evicted first, got %v", r.History)
	}
}

func TestRecentHistory(t *testing.T) {
	r := NewRecord("u1")
	r.AppendHistory(0, Message{Content: "a"}, Message{Content: "b"}, Message{Content: "c"})
	if got := r.RecentHistory(2); len(got) != 2 || got[0].Content != "b" {
		t.Errorf("unexpected slice: %v", got)
	}
	if got := r.RecentHistory(0); got != nil {
		t.Errorf("expected nil for zero window, got %v", got)
	}
}

func TestNormalize(t *testing.T) {
	r := &Record{ID: "u1", History: []Message{{Content: "x"}}}
	r.Normalize()
	if r.Tier != TierFree || r.State != StateNormal || r.SafetyContext == nil || r.OfferedDiaryPrompt == nil {
		t.Errorf("unexpected normalised record: %+v", r)
	}
}
