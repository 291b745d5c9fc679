// Package twiliowhatsapp wraps the Twilio API for the AbeAI WhatsApp channel: sending replies,
// validating webhook signatures and parsing inbound messages.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/AbeAI/internal/models"
)

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

const addressPrefix = "whatsapp:"

// ErrMissingSender is returned when an inbound webhook has no From field.
var ErrMissingSender = errors.New("inbound message has no sender")

// Sender delivers a WhatsApp message to a recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token used for REST calls and signature validation.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number, with or without the "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the part of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// ResolveOpts applies opts and falls back to the TWILIO_* environment variables.
func ResolveOpts(opts ...Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	return cfg
}

// Enabled reports whether enough configuration is present to run the channel.
func (o Opts) Enabled() bool {
	return o.AccountSID != "" && o.AuthToken != "" && o.FromWhats != ""
}

// NewClient creates a REST client for sending WhatsApp replies.
func NewClient(opts ...Option) (*Client, error) {
	cfg := ResolveOpts(opts...)
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg.FromWhats), nil
}

func newClient(api messageCreator, from string) *Client {
	return &Client{api: api, fromWhats: Address(from)}
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.SendMessage: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if msg != nil && msg.Sid != nil {
		slog.Debug("Client.SendMessage: message sent", "to", to, "sid", *msg.Sid)
	}
	return nil
}

// Address adds the "whatsapp:" scheme to a phone number if it is missing.
func Address(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, addressPrefix) {
		return number
	}
	return addressPrefix + number
}

// StripAddress removes the "whatsapp:" scheme from an address.
func StripAddress(address string) string {
	return strings.TrimPrefix(strings.TrimSpace(address), addressPrefix)
}

// Inbound is one message delivered by the Twilio WhatsApp webhook.
type Inbound struct {
	MessageSID string
	From       string // sender phone number without the "whatsapp:" scheme
	Body       string
	Params     map[string]string
}

// ParseInbound reads the form-encoded webhook body.
func ParseInbound(r *http.Request) (*Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse webhook form: %w", err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	in := &Inbound{
		MessageSID: params["MessageSid"],
		From:       StripAddress(params["From"]),
		Body:       params["Body"],
		Params:     params,
	}
	if in.From == "" {
		return nil, ErrMissingSender
	}
	return in, nil
}

// Validator checks X-Twilio-Signature headers.
type Validator struct {
	v twilioClient.RequestValidator
}

// NewValidator creates a validator for webhooks signed with authToken.
func NewValidator(authToken string) *Validator {
	return &Validator{v: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public webhook URL and form params.
func (v *Validator) Validate(url string, params map[string]string, signature string) bool {
	if signature == "" {
		return false
	}
	return v.v.Validate(url, params, signature)
}

// FormatReply renders a chat reply as WhatsApp text. Buttons become "text: url" lines.
func FormatReply(resp models.ChatResponse) string {
	if len(resp.Buttons) == 0 {
		return resp.Response
	}
	var b strings.Builder
	b.WriteString(resp.Response)
	b.WriteString("\n")
	for _, btn := range resp.Buttons {
		fmt.Fprintf(&b, "\n%s: %s", btn.Text, btn.URL)
	}
	return b.String()
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message, or returns the configured error.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
