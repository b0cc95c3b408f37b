// Package replay defines the EditReplayer capability SessionEngine
// delegates document mutation to, plus one concrete reference
// implementation, JSONParagraphs, used by tests and sessionctl's demo
// mode. The real document format is out of scope for the core; nothing
// here assumes more about a document than what EditReplayer promises.
package replay

import (
	"encoding/json"
	"fmt"
)

// EditReplayer applies a single patch to a document's bytes and
// returns the resulting bytes. Implementations must be deterministic:
// the same (doc, patch) pair always produces the same output, since
// SessionEngine relies on replay to reconstruct history exactly.
type EditReplayer interface {
	Apply(doc []byte, patch []byte) ([]byte, error)
}

// ParagraphDoc is the toy document model JSONParagraphs operates on.
type ParagraphDoc struct {
	Paragraphs []string `json:"paragraphs"`
}

// ParagraphPatch is the patch payload JSONParagraphs understands.
type ParagraphPatch struct {
	Op    string `json:"op"`
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`
}

const (
	OpAppendParagraph  = "append_paragraph"
	OpReplaceParagraph = "replace_paragraph"
	OpDeleteParagraph  = "delete_paragraph"
)

// JSONParagraphs is a reference EditReplayer over a document that is
// nothing more than an ordered list of paragraph strings.
type JSONParagraphs struct{}

// NewEmptyDocument returns the bytes of a document with no paragraphs,
// suitable as a create_empty baseline.
func NewEmptyDocument() []byte {
	data, _ := json.Marshal(ParagraphDoc{Paragraphs: []string{}})
	return data
}

// Apply implements EditReplayer.
func (JSONParagraphs) Apply(doc []byte, patch []byte) ([]byte, error) {
	var d ParagraphDoc
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
	}

	var p ParagraphPatch
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	switch p.Op {
	case OpAppendParagraph:
		d.Paragraphs = append(d.Paragraphs, p.Text)
	case OpReplaceParagraph:
		if p.Index < 0 || p.Index >= len(d.Paragraphs) {
			return nil, fmt.Errorf("replace_paragraph: index %d out of range (len %d)", p.Index, len(d.Paragraphs))
		}
		d.Paragraphs[p.Index] = p.Text
	case OpDeleteParagraph:
		if p.Index < 0 || p.Index >= len(d.Paragraphs) {
			return nil, fmt.Errorf("delete_paragraph: index %d out of range (len %d)", p.Index, len(d.Paragraphs))
		}
		d.Paragraphs = append(d.Paragraphs[:p.Index], d.Paragraphs[p.Index+1:]...)
	default:
		return nil, fmt.Errorf("unknown patch op %q", p.Op)
	}

	out, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// AppendParagraph builds a patch payload for op append_paragraph.
func AppendParagraph(text string) []byte {
	data, _ := json.Marshal(ParagraphPatch{Op: OpAppendParagraph, Text: text})
	return data
}

// ReplaceParagraph builds a patch payload for op replace_paragraph.
func ReplaceParagraph(index int, text string) []byte {
	data, _ := json.Marshal(ParagraphPatch{Op: OpReplaceParagraph, Index: index, Text: text})
	return data
}

// DeleteParagraph builds a patch payload for op delete_paragraph.
func DeleteParagraph(index int) []byte {
	data, _ := json.Marshal(ParagraphPatch{Op: OpDeleteParagraph, Index: index})
	return data
}
