package collection

import (
	"fmt"
	"strings"
)

// Stable error taxonomy (spec.md §6). Each is a distinct type so callers can
// errors.As against it instead of string-matching, the way the teacher's
// protocol errors are typed rather than ad hoc fmt.Errorf strings.

type ErrCollectionRequiresConfig struct{}

func (ErrCollectionRequiresConfig) Error() string { return "collection requires a config" }

type ErrCollectionRequiresGetKey struct{}

func (ErrCollectionRequiresGetKey) Error() string { return "collection config requires getKey" }

type ErrCollectionRequiresSyncConfig struct{}

func (ErrCollectionRequiresSyncConfig) Error() string { return "collection config requires sync" }

type ErrInvalidSyncConfig struct{ Reason string }

func (e ErrInvalidSyncConfig) Error() string { return "invalid sync config: " + e.Reason }

type ErrInvalidSyncFunction struct{}

func (ErrInvalidSyncFunction) Error() string { return "sync.sync must be a function" }

type ErrInvalidGetKey struct{}

func (ErrInvalidGetKey) Error() string { return "getKey must be a function" }

type ErrInvalidCallbackOption struct{ Option string }

func (e ErrInvalidCallbackOption) Error() string {
	return fmt.Sprintf("invalid callback option %q: expected a function", e.Option)
}

type ErrInvalidOptionType struct {
	Option   string
	Expected string
	Got      string
}

func (e ErrInvalidOptionType) Error() string {
	return fmt.Sprintf("invalid option %q: expected %s, got %s", e.Option, e.Expected, e.Got)
}

type ErrUnknownCollectionConfig struct {
	Keys        []string
	Suggestions map[string]string
}

func (e ErrUnknownCollectionConfig) Error() string {
	var sb strings.Builder
	sb.WriteString("unknown collection config key(s): ")
	sb.WriteString(strings.Join(e.Keys, ", "))
	for _, k := range e.Keys {
		if s, ok := e.Suggestions[k]; ok {
			fmt.Fprintf(&sb, " (did you mean %q for %q?)", s, k)
		}
	}
	return sb.String()
}

type ErrCollectionInputNotFound struct{ ID string }

func (e ErrCollectionInputNotFound) Error() string {
	return fmt.Sprintf("collection input not found: %q", e.ID)
}

type ErrJoinCollectionNotFound struct{ Alias string }

func (e ErrJoinCollectionNotFound) Error() string {
	return fmt.Sprintf("join collection not found for alias: %q", e.Alias)
}

type ErrDuplicateKeySync struct{ Key any }

func (e ErrDuplicateKeySync) Error() string {
	return fmt.Sprintf("duplicate key on sync insert: %v", e.Key)
}

type ErrNegativeActiveSubscribers struct{}

func (ErrNegativeActiveSubscribers) Error() string {
	return "active subscriber count went negative"
}

type ErrUnsupportedJoinType struct{ Type string }

func (e ErrUnsupportedJoinType) Error() string {
	return fmt.Sprintf("unsupported join type: %q", e.Type)
}

type ErrUnsupportedJoinSourceType struct{}

func (ErrUnsupportedJoinSourceType) Error() string { return "unsupported join source type" }

type ErrInvalidJoinCondition struct{ Reason string }

func (e ErrInvalidJoinCondition) Error() string {
	return "invalid join condition: " + e.Reason
}
