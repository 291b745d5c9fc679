package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/store"
)

// mutation is one change to a record made while handling a turn. Mutations are recorded so
// they can be replayed onto a fresher copy when the optimistic write loses a race.
type mutation func(*models.Record)

// turn tracks the working record of one request and the mutations applied to it.
type turn struct {
	rec  *models.Record
	muts []mutation
}

func newTurn(rec *models.Record) *turn {
	return &turn{rec: rec}
}

// apply runs m on the working record and remembers it for replay.
func (t *turn) apply(m mutation) {
	m(t.rec)
	t.muts = append(t.muts, m)
}

// dirty reports whether the turn has anything to persist.
func (t *turn) dirty() bool {
	return len(t.muts) > 0 || t.rec.Version == 0
}

// commit persists the working record. On a version conflict the latest stored record is
// reloaded and every recorded mutation is replayed onto it, up to attempts times. The
// completion API is never called again during a retry.
func (c *Coach) commit(ctx context.Context, t *turn) error {
	if !t.dirty() {
		return nil
	}
	rec := t.rec
	for attempt := 1; ; attempt++ {
		var err error
		if rec.Version == 0 {
			err = c.store.Create(ctx, rec)
		} else {
			err = c.store.Update(ctx, rec)
		}
		if err == nil {
			t.rec = rec
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("failed to persist record %s: %w", rec.ID, err)
		}
		if attempt >= c.commitAttempts {
			return fmt.Errorf("giving up on record %s after %d attempts: %w", rec.ID, attempt, err)
		}
		slog.Debug("Coach.commit: version conflict, replaying mutations", "userID", rec.ID, "attempt", attempt, "mutations", len(t.muts))

		latest, err := c.store.Get(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("failed to reload record %s: %w", rec.ID, err)
		}
		if latest == nil {
			latest = models.NewRecord(rec.ID)
		}
		for _, m := range t.muts {
			m(latest)
		}
		rec = latest
	}
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrVersionConflict) ||
		errors.Is(err, store.ErrAlreadyExists) ||
		errors.Is(err, store.ErrNotFound)
}
