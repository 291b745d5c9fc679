// Package models defines the core data structures for AbeAI.
//
// It includes the per-user record persisted in the key-value store, the chat request and
// response contract of the HTTP front end, and the JSON envelope used for error responses.
package models

import (
	"errors"
	"strings"
)

// Tier is the subscription level controlling response depth and monetization gating.
type Tier string

const (
	// TierFree is the default tier for new identifiers.
	TierFree Tier = "free"
	// TierPAYG is the pay-as-you-go tier.
	TierPAYG Tier = "PAYG"
	// TierEssentials is the entry subscription.
	TierEssentials Tier = "Essentials"
	// TierPremium unlocks detailed, personalised advice.
	TierPremium Tier = "Premium"
	// TierClinical is the clinician-supported tier.
	TierClinical Tier = "Clinical"
)

// AllTiers lists every tier in ascending order of entitlement.
var AllTiers = []Tier{TierFree, TierPAYG, TierEssentials, TierPremium, TierClinical}

// ParseTier maps a client supplied tier name onto a Tier, ignoring case.
// The second return value is false for unknown or empty names.
func ParseTier(s string) (Tier, bool) {
	s = strings.TrimSpace(s)
	for _, t := range AllTiers {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// Pillar is one of the four topic categories used to route safety questions and tailor prompts.
type Pillar string

const (
	PillarClinical  Pillar = "clinical"
	PillarNutrition Pillar = "nutrition"
	PillarActivity  Pillar = "activity"
	PillarMental    Pillar = "mental"
)

// IsValidPillar checks if the given pillar is one of the known categories.
func IsValidPillar(p Pillar) bool {
	switch p {
	case PillarClinical, PillarNutrition, PillarActivity, PillarMental:
		return true
	default:
		return false
	}
}

// Validation constants for input validation
const (
	// MaxMessageLength is the maximum accepted length of an inbound chat message.
	MaxMessageLength = 4000
	// MaxIdentifierLength is the maximum accepted length of a caller supplied identifier.
	MaxIdentifierLength = 128
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage      = errors.New("message is required")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrInvalidIdentifier = errors.New("identifier is invalid")
	ErrInvalidTier       = errors.New("invalid tier")
)

// APIStatus represents the status of an API response.
type APIStatus string

// APIStatusError indicates an API request failed with an error.
const APIStatusError APIStatus = "error"

// APIResponse is the envelope for every 4xx/5xx body.
// Response mirrors Message so the chat widget, which only renders "response", still
// shows something readable.
type APIResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Response string `json:"response,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResponse sets the user-facing text of the API response.
func (b *APIResponseBuilder) WithResponse(text string) *APIResponseBuilder {
	b.response.Response = text
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		WithResponse(message).
		Build()
}
