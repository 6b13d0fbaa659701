// Package state holds the shared application state document and applies
// snapshot/delta mutations to it. The wire shape of deltas is RFC 6902 JSON
// Patch; operations that reference a missing path are rejected, never silently
// ignored, and a failed delta leaves the document untouched.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/huandu/go-clone"

	"github.com/aidekit/aide/internal/event"
)

// Document is one mutable JSON-like state document for a thread. All mutation
// goes through Replace (snapshot) or Apply (delta); reads get deep copies so
// no caller can mutate the document behind the owner's back.
type Document struct {
	mu  sync.Mutex
	doc map[string]any
}

// NewDocument creates a document with the given initial content. A nil initial
// value yields an empty object.
func NewDocument(initial map[string]any) *Document {
	if initial == nil {
		initial = map[string]any{}
	}
	return &Document{doc: initial}
}

// Snapshot returns a deep copy of the current document.
func (d *Document) Snapshot() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return clone.Clone(d.doc).(map[string]any)
}

// Replace swaps in a full new document (the Snapshot mutation channel).
func (d *Document) Replace(doc map[string]any) {
	if doc == nil {
		doc = map[string]any{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc = clone.Clone(doc).(map[string]any)
}

// Apply applies an ordered list of patch operations in sequence. Each op is
// validated against the known verbs first; application errors (missing paths,
// failed tests) reject the whole delta and leave the document unchanged.
func (d *Document) Apply(ops []event.PatchOp) error {
	if len(ops) == 0 {
		return fmt.Errorf("delta must contain at least one operation")
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("delta[%d]: %w", i, err)
		}
	}

	patchData, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode delta: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchData)
	if err != nil {
		return fmt.Errorf("failed to decode delta: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, err := json.Marshal(d.doc)
	if err != nil {
		return fmt.Errorf("failed to encode state document: %w", err)
	}
	next, err := patch.Apply(current)
	if err != nil {
		return fmt.Errorf("failed to apply delta: %w", err)
	}

	var updated map[string]any
	if err := json.Unmarshal(next, &updated); err != nil {
		return fmt.Errorf("failed to decode patched state document: %w", err)
	}
	d.doc = updated
	return nil
}
