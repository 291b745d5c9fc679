// Package coach implements the AbeAI chat turn: it loads the per-user record, applies the
// safety, age, safety-question and monetization rules, calls the completion API when the
// rules allow it, and persists the updated record with optimistic concurrency.
package coach

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/AbeAI/internal/genai"
	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/rules"
	"github.com/BTreeMap/AbeAI/internal/store"
)

// Defaults for the coach configuration.
const (
	DefaultHistoryLimit   = 10
	DefaultPromptHistory  = 6
	DefaultCommitAttempts = 3
)

// allergiesContextKey is the safety context prefilled from the request's allergy list.
const allergiesContextKey = "allergies"

// Completer produces a chat completion. *genai.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) (string, error)
}

// Outcome names which rule produced a reply.
type Outcome string

const (
	OutcomeCrisis         Outcome = "crisis"
	OutcomeMinor          Outcome = "minor"
	OutcomeWelcome        Outcome = "welcome"
	OutcomeSafetyQuestion Outcome = "safety_question"
	OutcomeSafetyAck      Outcome = "safety_acknowledgment"
	OutcomeUpsell         Outcome = "upsell"
	OutcomeAnswer         Outcome = "answer"
	OutcomeFailure        Outcome = "failure"
)

// Turn is one inbound chat message after identity resolution.
type Turn struct {
	UserID  string
	Message string
	// Tier, when set, replaces the stored tier.
	Tier models.Tier
	// Context is the optional client supplied coaching context.
	Context *models.UserContext
	// GeoAustralian is derived from request geolocation. An explicit Context.IsAustralian wins.
	GeoAustralian *bool
}

// Reply is the result of a turn.
type Reply struct {
	models.ChatResponse
	Outcome Outcome
}

// Coach runs chat turns.
type Coach struct {
	store          store.Store
	rules          *rules.Rules
	completer      Completer
	historyLimit   int
	promptHistory  int
	commitAttempts int
	now            func() time.Time
}

// Option configures a Coach.
type Option func(*Coach)

// WithHistoryLimit bounds the stored conversation history.
func WithHistoryLimit(n int) Option {
	return func(c *Coach) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithPromptHistory bounds how many history entries are sent with each completion.
func WithPromptHistory(n int) Option {
	return func(c *Coach) {
		if n >= 0 {
			c.promptHistory = n
		}
	}
}

// WithCommitAttempts bounds optimistic write retries.
func WithCommitAttempts(n int) Option {
	return func(c *Coach) {
		if n > 0 {
			c.commitAttempts = n
		}
	}
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coach) { c.now = now }
}

// New creates a Coach.
func New(st store.Store, r *rules.Rules, completer Completer, opts ...Option) *Coach {
	c := &Coach{
		store:          st,
		rules:          r,
		completer:      completer,
		historyLimit:   DefaultHistoryLimit,
		promptHistory:  DefaultPromptHistory,
		commitAttempts: DefaultCommitAttempts,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.promptHistory > c.historyLimit {
		c.promptHistory = c.historyLimit
	}
	return c
}

// Handle runs one turn. It always returns a reply; upstream failures are logged and turned
// into the configured apology.
func (c *Coach) Handle(ctx context.Context, in Turn) *Reply {
	message := strings.TrimSpace(in.Message)

	rec, err := c.store.Get(ctx, in.UserID)
	if err != nil {
		slog.Error("Coach.Handle: failed to load record", "userID", in.UserID, "error", err)
		return c.failure()
	}
	if rec == nil {
		slog.Debug("Coach.Handle: new user", "userID", in.UserID)
		rec = models.NewRecord(in.UserID)
	}
	t := newTurn(rec)
	c.applyRequest(t, in)

	reply := c.run(ctx, t, message)

	if err := c.commit(ctx, t); err != nil {
		slog.Error("Coach.Handle: failed to persist record", "userID", in.UserID, "outcome", reply.Outcome, "error", err)
	}
	slog.Info("Coach.Handle: turn handled", "userID", in.UserID, "outcome", reply.Outcome, "pillar", reply.Pillar, "tier", t.rec.Tier)
	return reply
}

// applyRequest records the request-derived changes: tier, locale, profile and prefilled
// safety context.
func (c *Coach) applyRequest(t *turn, in Turn) {
	if in.Tier != "" && in.Tier != t.rec.Tier {
		tier := in.Tier
		t.apply(func(r *models.Record) { r.Tier = tier })
	}

	australian := in.GeoAustralian
	if in.Context != nil && in.Context.IsAustralian != nil {
		australian = in.Context.IsAustralian
	}
	if australian != nil && *australian != t.rec.IsAustralian {
		v := *australian
		t.apply(func(r *models.Record) { r.IsAustralian = v })
	}

	if uc := in.Context; uc != nil {
		if uc.FitnessLevel != "" || uc.MotivationLevel != "" || uc.Age != nil {
			fitness, motivation := uc.FitnessLevel, uc.MotivationLevel
			age := 0
			if uc.Age != nil {
				age = *uc.Age
			}
			t.apply(func(r *models.Record) {
				if fitness != "" {
					r.Profile.FitnessLevel = fitness
				}
				if motivation != "" {
					r.Profile.MotivationLevel = motivation
				}
				if age > 0 {
					r.Profile.Age = age
				}
			})
		}
		if allergies := joinNonEmpty(uc.Allergies); allergies != "" {
			if rule, ok := c.rules.PillarForContextKey(allergiesContextKey); ok && !t.rec.HasSafetyContext(rule.Name) {
				p := rule.Name
				t.apply(func(r *models.Record) { r.SetSafetyContext(p, allergies) })
			}
		}
	}

	if t.rec.State == models.StateIdle {
		t.apply(func(r *models.Record) {
			if r.State == models.StateIdle {
				r.State = models.StateNormal
			}
		})
	}
}

// run applies the rules in priority order. Each step returns as soon as it fires.
func (c *Coach) run(ctx context.Context, t *turn, message string) *Reply {
	rec := t.rec

	if kind := c.rules.ScanCrisis(message); kind != rules.CrisisNone {
		slog.Warn("Coach.run: crisis phrase detected", "userID", rec.ID, "kind", kind)
		return &Reply{
			ChatResponse: models.ChatResponse{Response: c.rules.CrisisReply(kind, rec.IsAustralian)},
			Outcome:      OutcomeCrisis,
		}
	}

	if age, ok := c.rules.SelfReportedAge(message); ok {
		t.apply(func(r *models.Record) { r.Profile.Age = age })
	}
	if c.rules.IsMinor(rec.Profile.Age) || c.rules.RestrictsAdolescentTopic(message, rec.Tier) {
		slog.Info("Coach.run: age gate refused", "userID", rec.ID, "tier", rec.Tier)
		return &Reply{
			ChatResponse: models.ChatResponse{Response: c.rules.AgeGate.Reply},
			Outcome:      OutcomeMinor,
		}
	}

	if c.rules.IsWelcome(message) {
		return c.welcome(t)
	}

	var pillar *rules.PillarRule
	if rec.State == models.StateAwaitingSafetyAnswer {
		p, original := rec.PendingSafetyPillar, rec.PendingOriginalMessage
		answer := message
		t.apply(func(r *models.Record) {
			r.SetSafetyContext(p, answer)
			if r.State == models.StateAwaitingSafetyAnswer && r.PendingSafetyPillar == p {
				r.ClearPendingSafety()
			}
		})
		slog.Debug("Coach.run: safety answer stored", "userID", rec.ID, "pillar", p, "replay", original != "")
		if original == "" {
			return &Reply{
				ChatResponse: models.ChatResponse{Response: c.rules.SafetyAcknowledgment, Pillar: p},
				Outcome:      OutcomeSafetyAck,
			}
		}
		// Replay the stashed question with the new context applied.
		message = original
		if rule, ok := c.rules.Pillar(p); ok {
			pillar = &rule
		}
	} else if rule, ok := c.rules.DetectPillar(message); ok {
		pillar = &rule
		if !rec.HasSafetyContext(rule.Name) {
			p, original := rule.Name, message
			t.apply(func(r *models.Record) {
				if !r.HasSafetyContext(p) {
					r.AwaitSafetyAnswer(p, original)
				}
			})
			return &Reply{
				ChatResponse: models.ChatResponse{
					Response:       rule.SafetyQuestion,
					Pillar:         rule.Name,
					RequestContext: rule.ContextKey,
				},
				Outcome: OutcomeSafetyQuestion,
			}
		}
	}

	if c.rules.IsGated(rec.Tier) && rec.UsageCount >= c.rules.Monetization.FreeResponseLimit {
		slog.Info("Coach.run: usage threshold reached", "userID", rec.ID, "usage", rec.UsageCount)
		return &Reply{
			ChatResponse: models.ChatResponse{
				Response:         c.rules.Monetization.Text,
				Buttons:          c.rules.UpsellButtons(rec.IsAustralian),
				UpgradeSuggested: true,
			},
			Outcome: OutcomeUpsell,
		}
	}

	return c.answer(ctx, t, pillar, message)
}

// welcome returns the intro text and, when the welcome pillar has no context yet, asks its
// safety question.
func (c *Coach) welcome(t *turn) *Reply {
	w := c.rules.Welcome
	rule, _ := c.rules.Pillar(w.Pillar)
	if t.rec.HasSafetyContext(w.Pillar) {
		return &Reply{
			ChatResponse: models.ChatResponse{Response: w.Returning, Pillar: w.Pillar},
			Outcome:      OutcomeWelcome,
		}
	}
	// A question already outstanding keeps its stashed message; ask it again instead.
	if t.rec.State == models.StateAwaitingSafetyAnswer && t.rec.PendingSafetyPillar != w.Pillar {
		if pending, ok := c.rules.Pillar(t.rec.PendingSafetyPillar); ok {
			return &Reply{
				ChatResponse: models.ChatResponse{
					Response:       pending.SafetyQuestion,
					Pillar:         pending.Name,
					RequestContext: pending.ContextKey,
				},
				Outcome: OutcomeWelcome,
			}
		}
	}
	p := w.Pillar
	t.apply(func(r *models.Record) {
		if !r.HasSafetyContext(p) && r.State != models.StateAwaitingSafetyAnswer {
			r.AwaitSafetyAnswer(p, "")
		}
	})
	return &Reply{
		ChatResponse: models.ChatResponse{
			Response:       w.Intro,
			Pillar:         w.Pillar,
			RequestContext: rule.ContextKey,
		},
		Outcome: OutcomeWelcome,
	}
}

// answer calls the completion API and records the exchange.
func (c *Coach) answer(ctx context.Context, t *turn, pillar *rules.PillarRule, message string) *Reply {
	rec := t.rec
	params := c.rules.ParamsFor(rec.Tier)
	req := genai.Request{
		Messages:    c.buildPrompt(rec, pillar, message),
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: c.rules.Temperature,
	}

	text, err := c.completer.Complete(ctx, req)
	if err != nil {
		slog.Error("Coach.answer: completion failed", "userID", rec.ID, "tier", rec.Tier, "status", genai.StatusCode(err), "error", err)
		return c.failure()
	}

	firstAnswer := !hasAssistantMessage(rec.History)
	if rec.IsAustralian && firstAnswer && c.rules.AUGreeting != "" {
		text = c.rules.AUGreeting + text
	}

	reply := &Reply{Outcome: OutcomeAnswer}
	if pillar != nil {
		reply.Pillar = pillar.Name
		if c.rules.DiaryPrompt != "" && !rec.OfferedDiaryPrompt[pillar.Name] {
			text += "\n\n" + c.rules.DiaryPrompt
			p := pillar.Name
			t.apply(func(r *models.Record) { r.OfferedDiaryPrompt[p] = true })
		}
	}
	reply.Response = text
	reply.Buttons = c.rules.SupportButtons(rec.Tier, pillar, rec.IsAustralian)
	reply.UpgradeSuggested = len(reply.Buttons) > 0

	now := c.now().UTC()
	exchange := []models.Message{
		{Role: models.RoleUser, Content: message, Timestamp: now},
		{Role: models.RoleAssistant, Content: text, Timestamp: now},
	}
	limit := c.historyLimit
	gated := c.rules.IsGated(rec.Tier) || rec.Tier == models.TierFree
	t.apply(func(r *models.Record) {
		r.AppendHistory(limit, exchange...)
		if gated {
			r.UsageCount++
		}
	})
	return reply
}

func (c *Coach) failure() *Reply {
	return &Reply{
		ChatResponse: models.ChatResponse{Response: c.rules.Apology},
		Outcome:      OutcomeFailure,
	}
}

func hasAssistantMessage(history []models.Message) bool {
	for _, m := range history {
		if m.Role == models.RoleAssistant {
			return true
		}
	}
	return false
}

func joinNonEmpty(items []string) string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ", ")
}
