// Package completion decides which required entry types a user still owes for
// a local day.
package completion

import (
	"context"
	"errors"
	"fmt"

	"mindforms_diary_bot/internal/domain"
)

// Evaluate returns the required types with no entry, in the order of
// required. An empty result means the day is complete.
func Evaluate(required domain.EntryTypes, entries []domain.Entry) domain.EntryTypes {
	counted := Counted(entries)

	missing := make(domain.EntryTypes, 0, len(required))
	for _, t := range required {
		if _, ok := counted[t]; !ok {
			missing = append(missing, t)
		}
	}

	return missing
}

// Counted picks the entry that counts for each type: the earliest by creation
// time, ties broken by id. Processing status is ignored; a failed entry still
// counts as submitted.
func Counted(entries []domain.Entry) map[domain.EntryType]domain.Entry {
	counted := make(map[domain.EntryType]domain.Entry, len(entries))

	for _, e := range entries {
		current, ok := counted[e.EntryType]
		if !ok || earlier(e, current) {
			counted[e.EntryType] = e
		}
	}

	return counted
}

func earlier(a, b domain.Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

type entryLister interface {
	ListForDay(ctx context.Context, userID int64, localDate string) ([]domain.Entry, error)
}

// Evaluator loads a user's entries for a day and applies Evaluate.
type Evaluator struct {
	entries entryLister
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(entries entryLister) *Evaluator {
	return &Evaluator{entries: entries}
}

// Missing returns the user's missing required types for localDate.
func (e *Evaluator) Missing(ctx context.Context, user domain.User, localDate string) (domain.EntryTypes, error) {
	if e == nil || e.entries == nil {
		return nil, errors.New("completion evaluator is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	entries, err := e.entries.ListForDay(ctx, user.TelegramUserID, localDate)
	if err != nil {
		return nil, fmt.Errorf("load entries for %s: %w", localDate, err)
	}

	return Evaluate(user.RequiredTypes, entries), nil
}
