package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in     string
		want   Tier
		wantOK bool
	}{
		{"free", TierFree, true},
		{"payg", TierPAYG, true},
		{" Premium ", TierPremium, true},
		{"clinical", TierClinical, true},
		{"gold", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTier(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseTier(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestChatRequestAliases(t *testing.T) {
	body := `{"message":"hi","user_id":"u1","subscription_tier":"Premium","user_context":{"allergies":["nuts"],"isAustralian":true}}`
	var req ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Tier != "Premium" {
		t.Errorf("expected tier alias to be applied, got %q", req.Tier)
	}
	if req.Context == nil || len(req.Context.Allergies) != 1 || req.Context.IsAustralian == nil || !*req.Context.IsAustralian {
		t.Errorf("expected user_context alias to be applied, got %+v", req.Context)
	}
}

func TestChatRequestCanonicalFieldsWin(t *testing.T) {
	body := `{"message":"hi","tier":"PAYG","subscription_tier":"Premium"}`
	var req ChatRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Tier != "PAYG" {
		t.Errorf("expected canonical tier, got %q", req.Tier)
	}
}

func TestChatRequestValidate(t *testing.T) {
	age := 200
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr error
	}{
		{"valid", ChatRequest{Message: "hello", UserID: "u1"}, nil},
		{"blank message", ChatRequest{Message: "   "}, ErrEmptyMessage},
		{"at limits", ChatRequest{Message: strings.Repeat("a", MaxMessageLength), SessionID: strings.Repeat("s", MaxIdentifierLength)}, nil},
		{"too long", ChatRequest{Message: strings.Repeat("a", MaxMessageLength+1)}, ErrMessageTooLong},
		{"bad identifier", ChatRequest{Message: "hi", UserID: strings.Repeat("x", MaxIdentifierLength+1)}, ErrInvalidIdentifier},
		{"bad tier", ChatRequest{Message: "hi", Tier: "gold"}, ErrInvalidTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	bad := ChatRequest{Message: "hi", Context: &UserContext{Age: &age}}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range age")
	}
}

func TestErrorEnvelopeMirrorsMessage(t *testing.T) {
	resp := Error("Invalid JSON format")
	if resp.Status != string(APIStatusError) || resp.Message != "Invalid JSON format" || resp.Response != "Invalid JSON format" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
}
