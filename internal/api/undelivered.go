package api

import (
	"sync"
	"time"

	"github.com/BTreeMap/AbeAI/internal/coach"
)

// undeliveredRetention bounds how long a reply that failed to send is kept for redelivery.
const undeliveredRetention = time.Hour

// outcomeResend labels a webhook reply taken from undeliveredReplies.
const outcomeResend coach.Outcome = "resend"

// undeliveredReplies keeps replies whose send failed, keyed by inbound message id, so a
// redelivery resends the same text instead of running the turn again.
type undeliveredReplies struct {
	mu      sync.Mutex
	replies map[string]undeliveredReply
	now     func() time.Time
}

type undeliveredReply struct {
	body string
	at   time.Time
}

func newUndeliveredReplies() *undeliveredReplies {
	return &undeliveredReplies{replies: make(map[string]undeliveredReply), now: time.Now}
}

// put remembers body for messageID and drops expired entries.
func (u *undeliveredReplies) put(messageID, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	now := u.now()
	for id, r := range u.replies {
		if now.Sub(r.at) >= undeliveredRetention {
			delete(u.replies, id)
		}
	}
	u.replies[messageID] = undeliveredReply{body: body, at: now}
}

// take returns and forgets the reply stored for messageID.
func (u *undeliveredReplies) take(messageID string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.replies[messageID]
	if !ok {
		return "", false
	}
	delete(u.replies, messageID)
	if u.now().Sub(r.at) >= undeliveredRetention {
		return "", false
	}
	return r.body, true
}

func (u *undeliveredReplies) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.replies)
}
