package collection

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nsf/jsondiff"

	"github.com/estuary/reactivedb/internal/compare"
)

// MutationDiff carries a mutation's original and modified values plus a
// deep-equal-safe change set (§3: "modified values and a deep-equal-safe
// change set"), computed as a JSON Merge Patch between the two so the
// transaction manager and subscribers can cheaply tell whether a mutation
// is a no-op.
type MutationDiff struct {
	Original Entity
	Modified Entity
	Patch    json.RawMessage // RFC 7386 merge patch from Original to Modified
	NoOp     bool
}

// Diff computes a MutationDiff between original and modified. Equal values
// (per compare.Equal) are flagged NoOp without doing any JSON work.
func Diff(original, modified Entity) (MutationDiff, error) {
	if compare.Equal(original, modified) {
		return MutationDiff{Original: original, Modified: modified, NoOp: true}, nil
	}
	origJSON, err := json.Marshal(original)
	if err != nil {
		return MutationDiff{}, err
	}
	modJSON, err := json.Marshal(modified)
	if err != nil {
		return MutationDiff{}, err
	}
	patch, err := jsonpatch.CreateMergePatch(origJSON, modJSON)
	if err != nil {
		return MutationDiff{}, err
	}
	return MutationDiff{Original: original, Modified: modified, Patch: patch}, nil
}

// Render renders a human-readable left/right diff of the mutation, for
// verbose CLI/log output where the raw merge patch in Patch isn't legible.
func (d MutationDiff) Render() string {
	origJSON, err := json.Marshal(d.Original)
	if err != nil {
		return ""
	}
	modJSON, err := json.Marshal(d.Modified)
	if err != nil {
		return ""
	}
	opts := jsondiff.DefaultConsoleOptions()
	_, text := jsondiff.Compare(origJSON, modJSON, &opts)
	return text
}
