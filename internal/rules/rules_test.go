package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/AbeAI/internal/models"
)

func mustDefault(t *testing.T) *Rules {
	t.Helper()
	r, err := Default()
	if err != nil {
		t.Fatalf("embedded rules failed to load: %v", err)
	}
	return r
}

func TestDefaultRulesLoad(t *testing.T) {
	r := mustDefault(t)
	if len(r.Pillars) != 4 {
		t.Errorf("expected 4 pillars, got %d", len(r.Pillars))
	}
	if r.Monetization.FreeResponseLimit != 3 {
		t.Errorf("expected threshold 3, got %d", r.Monetization.FreeResponseLimit)
	}
	if r.ParamsFor(models.TierClinical).MaxTokens != 500 || r.ParamsFor(models.TierFree).MaxTokens != 200 {
		t.Error("unexpected tier max_tokens")
	}
}

func TestDetectPillarFirstMatchWins(t *testing.T) {
	r := mustDefault(t)
	tests := []struct {
		msg    string
		want   models.Pillar
		wantOK bool
	}{
		{"Any healthy snack ideas?", models.PillarNutrition, true},
		{"What should I eat for breakfast?", "", false},
		{"Best WORKOUT for beginners", models.PillarActivity, true},
		{"what is a healthy BMI", models.PillarClinical, true},
		{"I can't sleep", models.PillarMental, true},
		{"a protein workout", models.PillarNutrition, true},
		{"hello there", "", false},
	}
	for _, tt := range tests {
		p, ok := r.DetectPillar(tt.msg)
		if ok != tt.wantOK || p.Name != tt.want {
			t.Errorf("DetectPillar(%q) = %q, %v; want %q, %v", tt.msg, p.Name, ok, tt.want, tt.wantOK)
		}
	}
}

func TestScanCrisis(t *testing.T) {
	r := mustDefault(t)
	if got := r.ScanCrisis("Sometimes I want to KILL MYSELF"); got != CrisisSuicide {
		t.Errorf("expected suicide match, got %q", got)
	}
	if got := r.ScanCrisis("I make myself vomit after meals"); got != CrisisEatingDisorder {
		t.Errorf("expected eating disorder match, got %q", got)
	}
	if got := r.ScanCrisis("what snack is good"); got != CrisisNone {
		t.Errorf("expected no match, got %q", got)
	}
	if !strings.Contains(r.CrisisReply(CrisisSuicide, true), "13 11 14") {
		t.Error("expected Lifeline number in Australian reply")
	}
	if strings.Contains(r.CrisisReply(CrisisSuicide, false), "13 11 14") {
		t.Error("expected generic reply outside Australia")
	}
}

func TestSelfReportedAge(t *testing.T) {
	r := mustDefault(t)
	tests := []struct {
		msg    string
		age    int
		wantOK bool
	}{
		{"I'm 15 years old and want to lose weight", 15, true},
		{"i am 16yo", 16, true},
		{"Age: 14", 14, true},
		{"I am 34 years old", 34, true},
		{"I walked 15 km", 0, false},
		{"I’m 15 years old, how do I lose weight?", 15, true},
		{"My age is 16", 16, true},
		{"hi, I'm 17", 17, true},
		{"I'm 2 years post bariatric surgery, any snack tips?", 0, false},
		{"I am 5 years into my journey", 0, false},
		{"I've been overweight since age 12", 0, false},
		{"I'm 45 and want to walk more", 0, false},
	}
	for _, tt := range tests {
		age, ok := r.SelfReportedAge(tt.msg)
		if age != tt.age || ok != tt.wantOK {
			t.Errorf("SelfReportedAge(%q) = %d, %v; want %d, %v", tt.msg, age, ok, tt.age, tt.wantOK)
		}
	}
	if !r.IsMinor(15) || r.IsMinor(18) || r.IsMinor(0) {
		t.Error("unexpected IsMinor result")
	}
}

func TestRestrictsAdolescentTopic(t *testing.T) {
	r := mustDefault(t)
	if !r.RestrictsAdolescentTopic("diet plan for my teenager", models.TierFree) {
		t.Error("expected restriction on free tier")
	}
	if r.RestrictsAdolescentTopic("diet plan for my teenager", models.TierClinical) {
		t.Error("expected clinical tier to be permitted")
	}
}

func TestUpsellButtons(t *testing.T) {
	r := mustDefault(t)
	if got := len(r.UpsellButtons(false)); got != 3 {
		t.Errorf("expected 3 buttons, got %d", got)
	}
	au := r.UpsellButtons(true)
	if len(au) != 5 || au[3].Text != "Clinical Plan (AU)" {
		t.Errorf("unexpected AU buttons: %v", au)
	}
}

func TestSupportButtons(t *testing.T) {
	r := mustDefault(t)
	p, _ := r.Pillar(models.PillarNutrition)
	got := r.SupportButtons(models.TierFree, &p, true)
	if len(got) != 2 || got[0].Text != "Allergies Support" || got[0].URL != "https://downscaleai.com/allergies" {
		t.Errorf("unexpected support buttons: %v", got)
	}
	got = r.SupportButtons(models.TierPAYG, nil, false)
	if len(got) != 1 || got[0].Text != "Explore Plans" {
		t.Errorf("unexpected fallback buttons: %v", got)
	}
	if got := r.SupportButtons(models.TierPremium, &p, true); got != nil {
		t.Errorf("expected no buttons for premium, got %v", got)
	}
}

func TestIsWelcomeAndGated(t *testing.T) {
	r := mustDefault(t)
	if !r.IsWelcome("  Welcome ") || r.IsWelcome("welcome back") {
		t.Error("unexpected welcome detection")
	}
	if !r.IsGated(models.TierFree) || r.IsGated(models.TierPremium) {
		t.Error("unexpected gated tiers")
	}
}

func TestLoadOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	data := strings.Replace(string(defaultRulesYAML), "free_response_limit: 3", "free_response_limit: 5", 1)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Monetization.FreeResponseLimit != 5 {
		t.Errorf("expected override to apply, got %d", r.Monetization.FreeResponseLimit)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseRejectsInvalidTable(t *testing.T) {
	bad := `
pillars:
  - name: sleep
    keywords: []
monetization:
  free_response_limit: 0
`
	_, err := Parse([]byte(bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown pillar", "free_response_limit", "max_tokens"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestWithFreeResponseLimit(t *testing.T) {
	r := mustDefault(t).WithFreeResponseLimit(7)
	if r.Monetization.FreeResponseLimit != 7 {
		t.Errorf("expected 7, got %d", r.Monetization.FreeResponseLimit)
	}
	r.WithFreeResponseLimit(0)
	if r.Monetization.FreeResponseLimit != 7 {
		t.Error("expected non-positive override to be ignored")
	}
}
