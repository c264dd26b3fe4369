package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/refdl/pkg/model"
)

func TestParseInputClassifiesURL(t *testing.T) {
	res := ParseInput("https://example.com/papers/foo.pdf")
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.KindURL, item.Kind)
	assert.Equal(t, model.ConfidenceHigh, item.Confidence)
	assert.Equal(t, "https://example.com/papers/foo.pdf", item.NormalizedIdentifier)
	assert.Equal(t, 1, res.Summary.URLCount)
}

func TestParseInputClassifiesDOI(t *testing.T) {
	res := ParseInput("10.1038/s41586-020-2649-2")
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.KindDOI, item.Kind)
	assert.Equal(t, "10.1038/s41586-020-2649-2", item.NormalizedIdentifier)
	assert.Equal(t, 1, res.Summary.DOICount)
}

func TestParseInputClassifiesDOIFromDOIOrgURL(t *testing.T) {
	res := ParseInput("https://doi.org/10.1038/s41586-020-2649-2")
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.KindDOI, res.Items[0].Kind)
	assert.Equal(t, "10.1038/s41586-020-2649-2", res.Items[0].NormalizedIdentifier)
}

func TestParseInputClassifiesBibTeX(t *testing.T) {
	input := `@article{smith2020,
  author = {Smith, John and Doe, Jane},
  title = {A Study of Things},
  year = {2020},
  doi = {10.1234/abcd}
}`
	res := ParseInput(input)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.KindBibTeX, item.Kind)
	assert.Equal(t, "A Study of Things", item.Title)
	assert.Equal(t, []string{"Smith, John", "Doe, Jane"}, item.Authors)
	assert.Equal(t, "2020", item.Year)
	assert.Equal(t, "10.1234/abcd", item.DOI)
	assert.Equal(t, 1, res.Summary.BibTexCount)
}

func TestParseInputClassifiesFreeTextReference(t *testing.T) {
	res := ParseInput(`Smith, J. "A Study of Interesting Things." Journal of Examples, 2019.`)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.KindReference, item.Kind)
	assert.Equal(t, "2019", item.Year)
	assert.Equal(t, "A Study of Interesting Things.", item.Title)
	assert.Equal(t, 1, res.Summary.ReferenceCount)
}

func TestParseInputLowConfidenceWhenFieldsMissing(t *testing.T) {
	res := ParseInput("some vague note with no author or year")
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ConfidenceLow, res.Items[0].Confidence)
	assert.Contains(t, res.Items[0].ConfidenceFactors, "one or more fields uncertain")
}

func TestParseInputDeduplicatesByNormalizedIdentifier(t *testing.T) {
	input := "https://example.com/a.pdf\nhttps://example.com/a.pdf\nhttps://example.com/b.pdf"
	res := ParseInput(input)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 1, res.Summary.DuplicateCount)
}

func TestParseInputSegmentsNumberedList(t *testing.T) {
	input := "[1] https://example.com/a.pdf\n[2] https://example.com/b.pdf"
	res := ParseInput(input)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "https://example.com/a.pdf", res.Items[0].NormalizedIdentifier)
	assert.Equal(t, "https://example.com/b.pdf", res.Items[1].NormalizedIdentifier)
}

func TestParseInputSkipsBlankSegments(t *testing.T) {
	res := ParseInput("\n\nhttps://example.com/a.pdf\n\n\n")
	require.Len(t, res.Items, 1)
}

func TestParseInputBibTeXNotSplitByInternalNewlines(t *testing.T) {
	input := "https://example.com/a.pdf\n@article{x,\n  title = {T},\n  year = {2021}\n}\nhttps://example.com/b.pdf"
	res := ParseInput(input)
	require.Len(t, res.Items, 3)
	assert.Equal(t, model.KindURL, res.Items[0].Kind)
	assert.Equal(t, model.KindBibTeX, res.Items[1].Kind)
	assert.Equal(t, model.KindURL, res.Items[2].Kind)
}
