// Package identity resolves the per-user identifier of a chat request and manages the
// anonymous session cookie.
package identity

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// CookieName is the session cookie set when an identifier is minted.
	CookieName   = "session_id"
	cookieMaxAge = 365 * 24 * time.Hour
)

// Source names where an identifier came from.
type Source string

const (
	SourceUserID    Source = "user_id"
	SourceSessionID Source = "session_id"
	SourceCookie    Source = "cookie"
	SourceMinted    Source = "minted"
)

var cookiePattern = regexp.MustCompile(`^[A-Za-z0-9._:+@-]{1,128}$`)

// Identity is the resolved identifier of a request.
type Identity struct {
	ID     string
	Source Source
}

// Minted reports whether the identifier was generated for this request.
func (i Identity) Minted() bool {
	return i.Source == SourceMinted
}

// Resolve picks the identifier in priority order: explicit user id, explicit session id,
// session cookie, then a newly minted UUID.
func Resolve(r *http.Request, userID, sessionID string) Identity {
	if id := strings.TrimSpace(userID); id != "" {
		return Identity{ID: id, Source: SourceUserID}
	}
	if id := strings.TrimSpace(sessionID); id != "" {
		return Identity{ID: id, Source: SourceSessionID}
	}
	if c, err := r.Cookie(CookieName); err == nil && cookiePattern.MatchString(c.Value) {
		return Identity{ID: c.Value, Source: SourceCookie}
	}
	return Identity{ID: uuid.NewString(), Source: SourceMinted}
}

// SetCookie writes the session cookie for id. Browsers on other origins embed the widget,
// so the cookie is SameSite=None and therefore Secure.
func SetCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}
