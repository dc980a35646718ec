package owner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"mindforms_diary_bot/internal/domain"
)

var testDefaults = domain.UserDefaults{
	Timezone:      "Europe/Berlin",
	ReminderTime:  "23:00",
	RequiredTypes: domain.EntryTypes{domain.EntryReflection},
}

type assignCall struct {
	ownerID  int64
	defaults domain.UserDefaults
}

type fakeUsers struct {
	calls   []assignCall
	demoted int64
	err     error
}

func (f *fakeUsers) AssignOwner(_ context.Context, ownerID int64, defaults domain.UserDefaults) (int64, error) {
	f.calls = append(f.calls, assignCall{ownerID: ownerID, defaults: defaults})
	return f.demoted, f.err
}

func TestEnsureOwnerAssignsConfiguredOwner(t *testing.T) {
	hookLogger, hook := logtest.NewNullLogger()
	fake := &fakeUsers{demoted: 2}

	registrar := NewRegistrar(fake, testDefaults, logrus.NewEntry(hookLogger))

	ownerID := int64(999)
	if err := registrar.EnsureOwner(context.Background(), ownerID); err != nil {
		t.Fatalf("EnsureOwner returned error: %v", err)
	}

	if len(fake.calls) != 1 {
		t.Fatalf("expected one assign call, got %d", len(fake.calls))
	}
	if fake.calls[0].ownerID != ownerID {
		t.Fatalf("expected owner id %d, got %d", ownerID, fake.calls[0].ownerID)
	}
	if fake.calls[0].defaults.Timezone != "Europe/Berlin" {
		t.Fatalf("expected defaults to be forwarded, got %+v", fake.calls[0].defaults)
	}

	entry := findLogEvent(hook.AllEntries(), "owner_bootstrap")
	if entry == nil {
		t.Fatalf("expected owner_bootstrap log entry")
	}
	if entry.Data["owner_id"] != ownerID {
		t.Fatalf("expected log owner_id %d, got %v", ownerID, entry.Data["owner_id"])
	}
	if entry.Data["demoted_owners"] != int64(2) {
		t.Fatalf("expected demoted_owners=2, got %v", entry.Data["demoted_owners"])
	}
}

func TestEnsureOwnerValidatesAndPropagatesErrors(t *testing.T) {
	hookLogger, _ := logtest.NewNullLogger()
	tests := []struct {
		name      string
		registrar *Registrar
		ctx       context.Context
		ownerID   int64
		expectErr string
	}{
		{
			name:      "nil registrar",
			registrar: nil,
			ctx:       context.Background(),
			ownerID:   1,
			expectErr: "owner registrar",
		},
		{
			name:      "nil store",
			registrar: NewRegistrar(nil, testDefaults, logrus.NewEntry(hookLogger)),
			ctx:       context.Background(),
			ownerID:   1,
			expectErr: "registrar is not initialized",
		},
		{
			name:      "nil context",
			registrar: NewRegistrar(&fakeUsers{}, testDefaults, logrus.NewEntry(hookLogger)),
			ctx:       nil,
			ownerID:   1,
			expectErr: "context is required",
		},
		{
			name:      "zero owner id",
			registrar: NewRegistrar(&fakeUsers{}, testDefaults, logrus.NewEntry(hookLogger)),
			ctx:       context.Background(),
			ownerID:   0,
			expectErr: "owner id is required",
		},
		{
			name: "store error",
			registrar: NewRegistrar(&fakeUsers{
				err: errors.New("assign fail"),
			}, testDefaults, logrus.NewEntry(hookLogger)),
			ctx:       context.Background(),
			ownerID:   99,
			expectErr: "assign fail",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.registrar.EnsureOwner(tt.ctx, tt.ownerID)
			if err == nil || !strings.Contains(err.Error(), tt.expectErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectErr, err)
			}
		})
	}
}

func findLogEvent(entries []*logrus.Entry, event string) *logrus.Entry {
	for _, entry := range entries {
		if entry.Data["event"] == event {
			return entry
		}
	}
	return nil
}
