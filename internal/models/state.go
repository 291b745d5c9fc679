package models

import "time"

// SessionState is the explicit conversation state of a record.
type SessionState string

const (
	// StateIdle is the state of a record that has not exchanged a message yet.
	StateIdle SessionState = "idle"
	// StateAwaitingSafetyAnswer means the next inbound message answers a safety question.
	StateAwaitingSafetyAnswer SessionState = "awaiting_safety_answer"
	// StateNormal is the steady state between turns.
	StateNormal SessionState = "normal"
)

// Message roles stored in the conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged entry of the conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Profile holds the optional, client supplied coaching context.
type Profile struct {
	FitnessLevel    string `json:"fitness_level,omitempty"`
	MotivationLevel string `json:"motivation_level,omitempty"`
	Age             int    `json:"age,omitempty"`
}

// Record is the durable per-identifier state, stored as one JSON blob under "user:<id>".
type Record struct {
	ID                     string            `json:"id"`
	Tier                   Tier              `json:"tier"`
	UsageCount             int               `json:"usage_count"`
	SafetyContext          map[Pillar]string `json:"safety_context"`
	State                  SessionState      `json:"state"`
	PendingSafetyPillar    Pillar            `json:"pending_safety_pillar,omitempty"`
	PendingOriginalMessage string            `json:"pending_original_message,omitempty"`
	History                []Message         `json:"history"`
	IsAustralian           bool              `json:"is_australian"`
	OfferedDiaryPrompt     map[Pillar]bool   `json:"offered_diary_prompt"`
	Profile                Profile           `json:"profile"`

	// Version is the optimistic-lock counter. Zero means the record was never persisted.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns a freshly initialised record for an identifier seen for the first time.
func NewRecord(id string) *Record {
	return &Record{
		ID:                 id,
		Tier:               TierFree,
		SafetyContext:      make(map[Pillar]string),
		State:              StateIdle,
		History:            []Message{},
		OfferedDiaryPrompt: make(map[Pillar]bool),
	}
}

// Normalize fills in nil maps and empty fields of a record decoded from storage.
func (r *Record) Normalize() {
	if r.Tier == "" {
		r.Tier = TierFree
	}
	if r.SafetyContext == nil {
		r.SafetyContext = make(map[Pillar]string)
	}
	if r.OfferedDiaryPrompt == nil {
		r.OfferedDiaryPrompt = make(map[Pillar]bool)
	}
	if r.History == nil {
		r.History = []Message{}
	}
	if r.State == "" {
		if len(r.History) == 0 {
			r.State = StateIdle
		} else {
			r.State = StateNormal
		}
	}
}

// HasSafetyContext reports whether the pillar's safety question was already answered.
func (r *Record) HasSafetyContext(p Pillar) bool {
	return r.SafetyContext[p] != ""
}

// SetSafetyContext stores an answer for a pillar. An existing answer is never overwritten;
// the return value reports whether the context was written.
func (r *Record) SetSafetyContext(p Pillar, answer string) bool {
	if r.SafetyContext == nil {
		r.SafetyContext = make(map[Pillar]string)
	}
	if r.SafetyContext[p] != "" || answer == "" {
		return false
	}
	r.SafetyContext[p] = answer
	return true
}

// AwaitSafetyAnswer moves the record into StateAwaitingSafetyAnswer.
func (r *Record) AwaitSafetyAnswer(p Pillar, originalMessage string) {
	r.State = StateAwaitingSafetyAnswer
	r.PendingSafetyPillar = p
	r.PendingOriginalMessage = originalMessage
}

// ClearPendingSafety leaves StateAwaitingSafetyAnswer and returns the stashed pillar and message.
func (r *Record) ClearPendingSafety() (Pillar, string) {
	p, msg := r.PendingSafetyPillar, r.PendingOriginalMessage
	r.State = StateNormal
	r.PendingSafetyPillar = ""
	r.PendingOriginalMessage = ""
	return p, msg
}

// AppendHistory appends messages and trims the history to the most recent limit entries.
// A non-positive limit disables trimming.
func (r *Record) AppendHistory(limit int, msgs ...Message) {
	r.History = append(r.History, msgs...)
	if limit > 0 && len(r.History) > limit {
		r.History = append([]Message(nil), r.History[len(r.History)-limit:]...)
	}
}

// RecentHistory returns at most n of the most recent history entries.
func (r *Record) RecentHistory(n int) []Message {
	if n <= 0 {
		return nil
	}
	if len(r.History) <= n {
		return r.History
	}
	return r.History[len(r.History)-n:]
}
