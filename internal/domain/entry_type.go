package domain

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// EntryType is the diary category of an entry.
type EntryType string

const (
	EntryReflection EntryType = "reflection"
	EntryMindform   EntryType = "mindform"
	EntryDream      EntryType = "dream"
	EntryDrawing    EntryType = "drawing"
	EntryFacePhoto  EntryType = "face_photo"
)

// AllEntryTypes lists every valid entry type in display order.
var AllEntryTypes = []EntryType{
	EntryReflection,
	EntryMindform,
	EntryDream,
	EntryDrawing,
	EntryFacePhoto,
}

var entryLabels = map[EntryType]string{
	EntryReflection: "Reflection",
	EntryMindform:   "Mindform",
	EntryDream:      "Dream",
	EntryDrawing:    "Drawing",
	EntryFacePhoto:  "Face photo",
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	_, ok := entryLabels[t]
	return ok
}

// Label returns the human readable name of the type.
func (t EntryType) Label() string {
	if label, ok := entryLabels[t]; ok {
		return label
	}
	return string(t)
}

// ParseEntryType normalizes raw input into an EntryType. "face" is accepted as
// an alias for face_photo.
func ParseEntryType(raw string) (EntryType, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "face" {
		value = string(EntryFacePhoto)
	}

	t := EntryType(value)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entry type %q", raw)
	}

	return t, nil
}

// EntryTypes is an ordered set of entry types persisted as a comma-separated
// column.
type EntryTypes []EntryType

// ParseEntryTypes parses a list of raw names, dropping duplicates while keeping
// the first occurrence order.
func ParseEntryTypes(raw []string) (EntryTypes, error) {
	out := make(EntryTypes, 0, len(raw))
	seen := make(map[EntryType]struct{}, len(raw))

	for _, item := range raw {
		t, err := ParseEntryType(item)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	return out, nil
}

// Strings returns the raw names.
func (ts EntryTypes) Strings() []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = string(t)
	}
	return out
}

// Contains reports whether t is part of the set.
func (ts EntryTypes) Contains(t EntryType) bool {
	for _, item := range ts {
		if item == t {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (ts EntryTypes) Value() (driver.Value, error) {
	return strings.Join(ts.Strings(), ","), nil
}

// Scan implements sql.Scanner.
func (ts *EntryTypes) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*ts = EntryTypes{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("scan entry types: unsupported type %T", src)
	}

	out := EntryTypes{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, EntryType(part))
		}
	}
	*ts = out

	return nil
}

// SourceType is the Telegram content kind an entry was created from.
type SourceType string

const (
	SourceText  SourceType = "text"
	SourceVoice SourceType = "voice"
	SourcePhoto SourceType = "photo"
)

// Status tracks background processing of an entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)
