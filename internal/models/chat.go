package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator registers the "message" and "identifier" tags from the length limits.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterAlias("message", fmt.Sprintf("required,max=%d", MaxMessageLength))
	v.RegisterAlias("identifier", fmt.Sprintf("max=%d,printascii", MaxIdentifierLength))
	return v
}

// UserContext is the optional coaching context a client may send with a message.
// Pointer fields distinguish "not sent" from a zero value.
type UserContext struct {
	Allergies       []string `json:"allergies,omitempty" validate:"omitempty,max=20,dive,max=100"`
	FitnessLevel    string   `json:"fitnessLevel,omitempty" validate:"max=50"`
	MotivationLevel string   `json:"motivationLevel,omitempty" validate:"max=50"`
	Age             *int     `json:"age,omitempty" validate:"omitempty,gte=0,lte=130"`
	IsAustralian    *bool    `json:"isAustralian,omitempty"`
}

// ChatRequest is the canonical body of POST /.
type ChatRequest struct {
	Message   string       `json:"message" validate:"message"`
	UserID    string       `json:"user_id,omitempty" validate:"omitempty,identifier"`
	SessionID string       `json:"session_id,omitempty" validate:"omitempty,identifier"`
	Tier      string       `json:"tier,omitempty"`
	Context   *UserContext `json:"context,omitempty"`
}

// UnmarshalJSON accepts the field aliases used by older widget builds
// ("subscription_tier" and "user_context").
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type plain ChatRequest
	var aux struct {
		plain
		SubscriptionTier string       `json:"subscription_tier"`
		UserContext      *UserContext `json:"user_context"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ChatRequest(aux.plain)
	if r.Tier == "" {
		r.Tier = aux.SubscriptionTier
	}
	if r.Context == nil {
		r.Context = aux.UserContext
	}
	return nil
}

// Validate trims the message and checks the request against its validation tags.
func (r *ChatRequest) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	r.UserID = strings.TrimSpace(r.UserID)
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if r.Tier != "" {
		if _, ok := ParseTier(r.Tier); !ok {
			return ErrInvalidTier
		}
	}
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			switch verrs[0].StructField() {
			case "Message":
				return ErrMessageTooLong
			case "UserID", "SessionID":
				return ErrInvalidIdentifier
			}
			return errors.New(strings.ToLower(verrs[0].Namespace()) + " is invalid")
		}
		return err
	}
	return nil
}

// Button is an upgrade or support link rendered under a reply.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// ChatResponse is the body returned for every handled chat outcome, including safety
// overrides and upsell messages.
type ChatResponse struct {
	Response         string   `json:"response"`
	Buttons          []Button `json:"buttons,omitempty"`
	UpgradeSuggested bool     `json:"upgradeSuggested"`
	SessionID        string   `json:"sessionId,omitempty"`
	Pillar           Pillar   `json:"pillar,omitempty"`
	RequestContext   string   `json:"requestContext,omitempty"`
}
