// Package rules holds the declarative business rule table used by the coach:
// pillar keywords and safety questions, crisis phrases, the age gate, upsell copy
// and tier-dependent completion parameters.
//
// The table is loaded once at start-up, either from the embedded default_rules.yaml
// or from an operator supplied file, and is read-only afterwards.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/AbeAI/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// apostrophes maps the typographic quotes phone keyboards insert onto ASCII.
var apostrophes = strings.NewReplacer("\u2019", "'", "\u2018", "'", "\u02bc", "'")

// fold lowercases a message and normalises apostrophes before matching.
func fold(message string) string {
	return strings.ToLower(apostrophes.Replace(message))
}

// CrisisKind identifies which safety-critical phrase list matched a message.
type CrisisKind string

const (
	CrisisNone           CrisisKind = ""
	CrisisSuicide        CrisisKind = "suicide"
	CrisisEatingDisorder CrisisKind = "eating_disorder"
)

// PillarRule describes one topic pillar.
type PillarRule struct {
	Name           models.Pillar `yaml:"name"`
	ContextKey     string        `yaml:"context_key"`
	Keywords       []string      `yaml:"keywords"`
	SafetyQuestion string        `yaml:"safety_question"`
}

// Crisis holds the phrase lists and fixed replies for safety-critical content.
type Crisis struct {
	SuicidePhrases        []string `yaml:"suicide_phrases"`
	SuicideReply          string   `yaml:"suicide_reply"`
	SuicideReplyAU        string   `yaml:"suicide_reply_au"`
	EatingDisorderPhrases []string `yaml:"eating_disorder_phrases"`
	EatingDisorderReply   string   `yaml:"eating_disorder_reply"`
	EatingDisorderReplyAU string   `yaml:"eating_disorder_reply_au"`
}

// AgeGate configures the minor refusal.
type AgeGate struct {
	MinimumAge         int           `yaml:"minimum_age"`
	AgePatterns        []string      `yaml:"age_patterns"`
	AdolescentKeywords []string      `yaml:"adolescent_keywords"`
	AdolescentTiers    []models.Tier `yaml:"adolescent_tiers"`
	Reply              string        `yaml:"reply"`

	compiled []*regexp.Regexp
}

// Welcome configures the intro flow triggered by the literal trigger message.
type Welcome struct {
	Trigger   string        `yaml:"trigger"`
	Pillar    models.Pillar `yaml:"pillar"`
	Intro     string        `yaml:"intro"`
	Returning string        `yaml:"returning"`
}

// Monetization configures the usage gate and the upsell response.
type Monetization struct {
	GatedTiers        []models.Tier   `yaml:"gated_tiers"`
	FreeResponseLimit int             `yaml:"free_response_limit"`
	Text              string          `yaml:"text"`
	Buttons           []models.Button `yaml:"buttons"`
	AUButtons         []models.Button `yaml:"au_buttons"`
}

// Support configures the soft upsell buttons attached to generated answers.
type Support struct {
	Tiers    []models.Tier `yaml:"tiers"`
	BaseURL  string        `yaml:"base_url"`
	Fallback models.Button `yaml:"fallback"`
	AUButton models.Button `yaml:"au_button"`
}

// TierParams are the completion parameters for one tier.
type TierParams struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	Verbosity string `yaml:"verbosity"`
}

// Rules is the complete rule table.
type Rules struct {
	Persona               string                     `yaml:"persona"`
	AustralianInstruction string                     `yaml:"australian_instruction"`
	Pillars               []PillarRule               `yaml:"pillars"`
	Crisis                Crisis                     `yaml:"crisis"`
	AgeGate               AgeGate                    `yaml:"age_gate"`
	Welcome               Welcome                    `yaml:"welcome"`
	SafetyAcknowledgment  string                     `yaml:"safety_acknowledgment"`
	Monetization          Monetization               `yaml:"monetization"`
	Support               Support                    `yaml:"support"`
	DiaryPrompt           string                     `yaml:"diary_prompt"`
	AUGreeting            string                     `yaml:"au_greeting"`
	Apology               string                     `yaml:"apology"`
	Temperature           float64                    `yaml:"temperature"`
	Tiers                 map[models.Tier]TierParams `yaml:"tiers"`
}

// Default returns the embedded rule table.
func Default() (*Rules, error) {
	return Parse(defaultRulesYAML)
}

// Load reads a rule table from path. An empty path yields the embedded defaults.
func Load(path string) (*Rules, error) {
	if path == "" {
		slog.Debug("rules.Load: using embedded rules")
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	slog.Info("rules.Load: loaded rules file", "path", path, "pillars", len(r.Pillars))
	return r, nil
}

// Parse decodes and validates a YAML rule table.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	r.normalize()
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// normalize lower-cases every phrase so matching can run on a lower-cased message.
func (r *Rules) normalize() {
	for i := range r.Pillars {
		r.Pillars[i].Keywords = lowerAll(r.Pillars[i].Keywords)
	}
	r.Crisis.SuicidePhrases = lowerAll(r.Crisis.SuicidePhrases)
	r.Crisis.EatingDisorderPhrases = lowerAll(r.Crisis.EatingDisorderPhrases)
	r.AgeGate.AdolescentKeywords = lowerAll(r.AgeGate.AdolescentKeywords)
	r.Welcome.Trigger = strings.ToLower(strings.TrimSpace(r.Welcome.Trigger))
}

// Validate checks the table for missing or inconsistent entries and compiles the age patterns.
func (r *Rules) Validate() error {
	var errs []error
	seen := make(map[models.Pillar]bool)
	for i, p := range r.Pillars {
		if !models.IsValidPillar(p.Name) {
			errs = append(errs, fmt.Errorf("pillars[%d]: unknown pillar %q", i, p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("pillars[%d]: duplicate pillar %q", i, p.Name))
		}
		seen[p.Name] = true
		if len(p.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("pillar %s: no keywords", p.Name))
		}
		if p.SafetyQuestion == "" || p.ContextKey == "" {
			errs = append(errs, fmt.Errorf("pillar %s: safety_question and context_key are required", p.Name))
		}
	}
	if len(r.Pillars) == 0 {
		errs = append(errs, errors.New("at least one pillar is required"))
	}
	if r.Welcome.Trigger != "" && !seen[r.Welcome.Pillar] {
		errs = append(errs, fmt.Errorf("welcome pillar %q is not configured", r.Welcome.Pillar))
	}
	if len(r.Crisis.SuicidePhrases) == 0 || r.Crisis.SuicideReply == "" {
		errs = append(errs, errors.New("crisis: suicide phrases and reply are required"))
	}
	if len(r.Crisis.EatingDisorderPhrases) > 0 && r.Crisis.EatingDisorderReply == "" {
		errs = append(errs, errors.New("crisis: eating_disorder_reply is required"))
	}
	if r.AgeGate.Reply == "" {
		errs = append(errs, errors.New("age_gate: reply is required"))
	}
	r.AgeGate.compiled = r.AgeGate.compiled[:0]
	for _, pat := range r.AgeGate.AgePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			errs = append(errs, fmt.Errorf("age_gate: invalid pattern %q: %w", pat, err))
			continue
		}
		if re.NumSubexp() < 1 {
			errs = append(errs, fmt.Errorf("age_gate: pattern %q needs a capture group for the age", pat))
			continue
		}
		r.AgeGate.compiled = append(r.AgeGate.compiled, re)
	}
	if r.Monetization.FreeResponseLimit <= 0 {
		errs = append(errs, errors.New("monetization: free_response_limit must be positive"))
	}
	for _, t := range r.Monetization.GatedTiers {
		if _, ok := models.ParseTier(string(t)); !ok {
			errs = append(errs, fmt.Errorf("monetization: unknown tier %q", t))
		}
	}
	for _, t := range models.AllTiers {
		if p, ok := r.Tiers[t]; !ok || p.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("tiers: %s needs a positive max_tokens", t))
		}
	}
	if r.Apology == "" {
		errs = append(errs, errors.New("apology is required"))
	}
	return errors.Join(errs...)
}

// WithFreeResponseLimit overrides the monetization threshold when n is positive.
func (r *Rules) WithFreeResponseLimit(n int) *Rules {
	if n > 0 {
		r.Monetization.FreeResponseLimit = n
	}
	return r
}

// DetectPillar returns the first pillar whose keyword list matches the message.
func (r *Rules) DetectPillar(message string) (PillarRule, bool) {
	lower := fold(message)
	for _, p := range r.Pillars {
		if containsAny(lower, p.Keywords) {
			return p, true
		}
	}
	return PillarRule{}, false
}

// Pillar returns the rule for a pillar name.
func (r *Rules) Pillar(name models.Pillar) (PillarRule, bool) {
	for _, p := range r.Pillars {
		if p.Name == name {
			return p, true
		}
	}
	return PillarRule{}, false
}

// PillarForContextKey maps a context key such as "allergies" back to its pillar.
func (r *Rules) PillarForContextKey(key string) (PillarRule, bool) {
	for _, p := range r.Pillars {
		if strings.EqualFold(p.ContextKey, key) {
			return p, true
		}
	}
	return PillarRule{}, false
}

// ScanCrisis reports which crisis list, if any, matches the message.
// Suicidal ideation is checked first.
func (r *Rules) ScanCrisis(message string) CrisisKind {
	lower := fold(message)
	if containsAny(lower, r.Crisis.SuicidePhrases) {
		return CrisisSuicide
	}
	if containsAny(lower, r.Crisis.EatingDisorderPhrases) {
		return CrisisEatingDisorder
	}
	return CrisisNone
}

// CrisisReply returns the fixed reply for a crisis kind, preferring the Australian variant.
func (r *Rules) CrisisReply(kind CrisisKind, australian bool) string {
	switch kind {
	case CrisisSuicide:
		if australian && r.Crisis.SuicideReplyAU != "" {
			return r.Crisis.SuicideReplyAU
		}
		return r.Crisis.SuicideReply
	case CrisisEatingDisorder:
		if australian && r.Crisis.EatingDisorderReplyAU != "" {
			return r.Crisis.EatingDisorderReplyAU
		}
		return r.Crisis.EatingDisorderReply
	}
	return ""
}

// SelfReportedAge extracts an age the message states outright, e.g. "I'm 15 years old".
// Durations such as "I'm 2 years post surgery" are not ages.
func (r *Rules) SelfReportedAge(message string) (int, bool) {
	lower := fold(message)
	for _, re := range r.AgeGate.compiled {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		age, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return age, true
	}
	return 0, false
}

// IsMinor reports whether an age falls below the gate.
func (r *Rules) IsMinor(age int) bool {
	return age > 0 && age < r.AgeGate.MinimumAge
}

// RestrictsAdolescentTopic reports whether the message raises an adolescent topic that the
// tier is not permitted to discuss.
func (r *Rules) RestrictsAdolescentTopic(message string, tier models.Tier) bool {
	if containsTier(r.AgeGate.AdolescentTiers, tier) {
		return false
	}
	return containsAny(fold(message), r.AgeGate.AdolescentKeywords)
}

// IsWelcome reports whether the message is the welcome trigger.
func (r *Rules) IsWelcome(message string) bool {
	return r.Welcome.Trigger != "" && strings.ToLower(strings.TrimSpace(message)) == r.Welcome.Trigger
}

// IsGated reports whether a tier is subject to the usage threshold.
func (r *Rules) IsGated(tier models.Tier) bool {
	return containsTier(r.Monetization.GatedTiers, tier)
}

// UpsellButtons returns the upgrade links, with the Australian links appended when requested.
func (r *Rules) UpsellButtons(australian bool) []models.Button {
	buttons := append([]models.Button(nil), r.Monetization.Buttons...)
	if australian {
		buttons = append(buttons, r.Monetization.AUButtons...)
	}
	return buttons
}

// SupportButtons returns the soft upsell buttons attached to a generated answer for tiers that
// receive them, or nil.
func (r *Rules) SupportButtons(tier models.Tier, pillar *PillarRule, australian bool) []models.Button {
	if !containsTier(r.Support.Tiers, tier) {
		return nil
	}
	var buttons []models.Button
	if pillar != nil && pillar.ContextKey != "" {
		buttons = append(buttons, models.Button{
			Text: capitalize(pillar.ContextKey) + " Support",
			URL:  r.Support.BaseURL + pillar.ContextKey,
		})
	} else if r.Support.Fallback.URL != "" {
		buttons = append(buttons, r.Support.Fallback)
	}
	if australian && r.Support.AUButton.URL != "" {
		buttons = append(buttons, r.Support.AUButton)
	}
	return buttons
}

// ParamsFor returns the completion parameters for a tier, falling back to the free tier.
func (r *Rules) ParamsFor(tier models.Tier) TierParams {
	if p, ok := r.Tiers[tier]; ok {
		return p
	}
	return r.Tiers[models.TierFree]
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func containsTier(tiers []models.Tier, t models.Tier) bool {
	for _, x := range tiers {
		if strings.EqualFold(string(x), string(t)) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
