package replay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraphs(t *testing.T, doc []byte) []string {
	t.Helper()
	var d ParagraphDoc
	require.NoError(t, json.Unmarshal(doc, &d))
	return d.Paragraphs
}

func TestAppendParagraphOnEmptyDocument(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()

	doc, err := r.Apply(doc, AppendParagraph("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, paragraphs(t, doc))

	doc, err = r.Apply(doc, AppendParagraph("b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, paragraphs(t, doc))
}

func TestReplaceParagraph(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()
	doc, err := r.Apply(doc, AppendParagraph("a"))
	require.NoError(t, err)
	doc, err = r.Apply(doc, AppendParagraph("b"))
	require.NoError(t, err)

	doc, err = r.Apply(doc, ReplaceParagraph(1, "b-prime"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b-prime"}, paragraphs(t, doc))
}

func TestReplaceParagraphOutOfRange(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()

	_, err := r.Apply(doc, ReplaceParagraph(0, "x"))
	assert.Error(t, err)
}

func TestDeleteParagraph(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()
	for _, s := range []string{"a", "b", "c"} {
		var err error
		doc, err = r.Apply(doc, AppendParagraph(s))
		require.NoError(t, err)
	}

	doc, err := r.Apply(doc, DeleteParagraph(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, paragraphs(t, doc))
}

func TestDeleteParagraphOutOfRange(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()

	_, err := r.Apply(doc, DeleteParagraph(0))
	assert.Error(t, err)
}

func TestUnknownOp(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()

	_, err := r.Apply(doc, []byte(`{"op":"frobnicate"}`))
	assert.Error(t, err)
}

func TestApplyIsDeterministic(t *testing.T) {
	r := JSONParagraphs{}
	doc := NewEmptyDocument()
	patch := AppendParagraph("a")

	out1, err := r.Apply(doc, patch)
	require.NoError(t, err)
	out2, err := r.Apply(doc, patch)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}
