package reconciler

import (
	"encoding/json"

	"github.com/quillhq/sessionstore/pkg/types"
)

type paragraphDoc struct {
	Paragraphs []string `json:"paragraphs"`
}

// diffParagraphs computes a structural diff between two documents in
// the replay.JSONParagraphs reference model: a common prefix and
// suffix bound an unmatched middle range, whose length difference is
// reported as added/removed and whose overlap is reported as
// modified. The reference model has no concept of embedded media or
// other non-patchable content, so it never produces uncovered changes
// — a real document format's reconciler would enumerate those here.
func diffParagraphs(oldBytes, newBytes []byte) (types.DiffSummary, []types.UncoveredChange) {
	var oldDoc, newDoc paragraphDoc
	_ = json.Unmarshal(oldBytes, &oldDoc)
	_ = json.Unmarshal(newBytes, &newDoc)

	oldP, newP := oldDoc.Paragraphs, newDoc.Paragraphs

	prefix := 0
	for prefix < len(oldP) && prefix < len(newP) && oldP[prefix] == newP[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(oldP)-prefix && suffix < len(newP)-prefix &&
		oldP[len(oldP)-1-suffix] == newP[len(newP)-1-suffix] {
		suffix++
	}

	oldMiddle := len(oldP) - prefix - suffix
	newMiddle := len(newP) - prefix - suffix

	summary := types.DiffSummary{}
	switch {
	case newMiddle > oldMiddle:
		summary.Modified = oldMiddle
		summary.Added = newMiddle - oldMiddle
	case oldMiddle > newMiddle:
		summary.Modified = newMiddle
		summary.Removed = oldMiddle - newMiddle
	default:
		summary.Modified = oldMiddle
	}

	return summary, nil
}
