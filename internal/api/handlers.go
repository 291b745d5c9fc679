package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/AbeAI/internal/coach"
	"github.com/BTreeMap/AbeAI/internal/identity"
	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/twiliowhatsapp"
)

// australianDialCode identifies Australian WhatsApp senders.
const australianDialCode = "+61"

// chatHandler handles POST / and POST /chat.
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer r.Body.Close()

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.chatHandler: request body too large", "limit", tooLarge.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tier, _ := models.ParseTier(req.Tier)

	id := identity.Resolve(r, req.UserID, req.SessionID)
	slog.Debug("Server.chatHandler: identity resolved", "userID", id.ID, "source", id.Source)

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()
	reply := s.handler.Handle(ctx, coach.Turn{
		UserID:        id.ID,
		Message:       req.Message,
		Tier:          tier,
		Context:       req.Context,
		GeoAustralian: s.geoAustralian(r),
	})

	resp := reply.ChatResponse
	if id.Minted() {
		identity.SetCookie(w, id.ID)
		resp.SessionID = id.ID
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// geoAustralian reads the geolocation header. It returns nil when the header is absent or
// the country is unknown.
func (s *Server) geoAustralian(r *http.Request) *bool {
	if s.opts.GeoHeader == "" {
		return nil
	}
	country := strings.ToUpper(strings.TrimSpace(r.Header.Get(s.opts.GeoHeader)))
	switch country {
	case "", "XX", "T1":
		return nil
	}
	au := country == "AU"
	return &au
}

// twilioWebhookHandler handles inbound WhatsApp messages delivered by Twilio. The reply is
// sent through the REST API and the webhook itself answers 204.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer r.Body.Close()

	in, err := twiliowhatsapp.ParseInbound(r)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid webhook body")
		return
	}

	if s.validator != nil {
		url := s.opts.PublicURL + r.URL.RequestURI()
		if !s.validator.Validate(url, in.Params, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: signature validation failed", "from", in.From)
			writeError(w, http.StatusForbidden, "Invalid signature")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TurnTimeout)
	defer cancel()

	claimed := false
	if s.dedup != nil && in.MessageSID != "" {
		fresh, err := s.dedup.RecordInbound(ctx, in.MessageSID, in.From)
		if err != nil {
			slog.Warn("Server.twilioWebhookHandler: dedup check failed, handling message anyway", "sid", in.MessageSID, "error", err)
		} else if !fresh {
			slog.Info("Server.twilioWebhookHandler: duplicate delivery ignored", "sid", in.MessageSID)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		claimed = err == nil
	}

	body, resend := s.undelivered.take(in.MessageSID)
	outcome := outcomeResend
	if !resend {
		req := models.ChatRequest{Message: in.Body, UserID: in.From}
		if err := req.Validate(); err != nil {
			slog.Info("Server.twilioWebhookHandler: message ignored", "from", in.From, "reason", err)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		au := strings.HasPrefix(in.From, australianDialCode)
		reply := s.handler.Handle(ctx, coach.Turn{
			UserID:        req.UserID,
			Message:       req.Message,
			GeoAustralian: &au,
		})
		body, outcome = twiliowhatsapp.FormatReply(reply.ChatResponse), reply.Outcome
	}

	if err := s.sender.SendMessage(ctx, in.From, body); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to send reply", "to", in.From, "outcome", outcome, "error", err)
		// Let Twilio's redelivery through and answer it with the reply already generated.
		if in.MessageSID != "" {
			s.undelivered.put(in.MessageSID, body)
			if claimed {
				if err := s.dedup.ReleaseInbound(context.WithoutCancel(ctx), in.MessageSID); err != nil {
					slog.Warn("Server.twilioWebhookHandler: failed to release message id", "sid", in.MessageSID, "error", err)
				}
			}
		}
		writeError(w, http.StatusBadGateway, "Failed to send reply")
		return
	}
	slog.Debug("Server.twilioWebhookHandler: reply sent", "to", in.From, "outcome", outcome)
	w.WriteHeader(http.StatusNoContent)
}
