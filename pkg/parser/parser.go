// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package parser classifies raw batch input (pasted bibliographies, one
// item per line or numbered entry) into ParsedItems.
package parser

import (
	"regexp"
	"strings"

	"github.com/kraklabs/refdl/pkg/model"
)

var (
	urlRe  = regexp.MustCompile(`(?i)^https?://[^\s/$.?#].[^\s]*$`)
	doiRe  = regexp.MustCompile(`(?i)^10\.\d{4,}/\S+$`)
	doiOrg = regexp.MustCompile(`(?i)^https?://(dx\.)?doi\.org/`)
	// yearRe matches a plausible publication year, 1900-2099.
	yearRe         = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	numberedPrefix = regexp.MustCompile(`^\s*(\[\d+\]|\(\d+\)|\d+[.)])\s+`)
	bibtexEntryRe  = regexp.MustCompile(`(?s)@(\w+)\s*\{\s*([^,]*),(.*)\}`)
)

// Summary aggregates per-kind counts and duplicates across a batch.
type Summary struct {
	URLCount       int
	DOICount       int
	ReferenceCount int
	BibTexCount    int
	DuplicateCount int
}

// Result is the output of parsing a block of mixed input.
type Result struct {
	Items   []model.ParsedItem
	Summary Summary
}

// ParseInput segments text into ParsedItems, classifying each item per the
// ordered rules below and deduplicating by normalized identifier.
func ParseInput(text string) Result {
	segments := segment(text)

	var res Result
	seen := make(map[string]bool)

	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		item := classify(seg)

		key := dedupeKey(item)
		if key != "" {
			if seen[key] {
				res.Summary.DuplicateCount++
				continue
			}
			seen[key] = true
		}

		switch item.Kind {
		case model.KindURL:
			res.Summary.URLCount++
		case model.KindDOI:
			res.Summary.DOICount++
		case model.KindBibTeX:
			res.Summary.BibTexCount++
		case model.KindReference:
			res.Summary.ReferenceCount++
		}
		res.Items = append(res.Items, item)
	}

	return res
}

// dedupeKey returns the value duplicates are detected on, or "" if the
// item kind carries no stable identifier to dedupe against.
func dedupeKey(item model.ParsedItem) string {
	if item.NormalizedIdentifier == "" {
		return ""
	}
	return string(item.Kind) + ":" + item.NormalizedIdentifier
}

// segment splits mixed input on blank lines, newlines and numbered-list
// prefixes while preserving internal whitespace within a single reference.
// BibTeX entries, which themselves contain newlines and braces, are
// extracted as whole blocks first so they are never split.
func segment(text string) []string {
	var out []string
	remaining := text

	for {
		loc := bibtexEntryRe.FindStringIndex(remaining)
		if loc == nil {
			out = append(out, splitPlain(remaining)...)
			break
		}
		out = append(out, splitPlain(remaining[:loc[0]])...)
		out = append(out, remaining[loc[0]:loc[1]])
		remaining = remaining[loc[1]:]
	}
	return out
}

func splitPlain(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if numberedPrefix.MatchString(line) {
			flush()
			cur.WriteString(numberedPrefix.ReplaceAllString(line, ""))
			continue
		}
		flush()
		cur.WriteString(strings.TrimSpace(line))
	}
	flush()
	return out
}

// classify applies the ordered classification rules: URL, then DOI, then
// BibTeX, then free-text reference. A doi.org URL carrying a DOI is
// classified as a DOI rather than a URL.
func classify(raw string) model.ParsedItem {
	trimmed := strings.TrimSpace(raw)

	if _, isDOI := extractDOI(trimmed); !isDOI && urlRe.MatchString(trimmed) {
		return model.ParsedItem{
			RawInput:             raw,
			Kind:                 model.KindURL,
			NormalizedIdentifier: normalizeURL(trimmed),
			Confidence:           model.ConfidenceHigh,
			ConfidenceFactors:    []string{"absolute url with valid host"},
		}
	}

	if doi, ok := extractDOI(trimmed); ok {
		return model.ParsedItem{
			RawInput:             raw,
			Kind:                 model.KindDOI,
			NormalizedIdentifier: strings.ToLower(doi),
			DOI:                  doi,
			Confidence:           model.ConfidenceHigh,
			ConfidenceFactors:    []string{"doi grammar matched"},
		}
	}

	if m := bibtexEntryRe.FindStringSubmatch(trimmed); m != nil {
		return parseBibTeX(raw, m)
	}

	return parseReference(raw, trimmed)
}

func extractDOI(s string) (string, bool) {
	if doiOrg.MatchString(s) {
		s = doiOrg.ReplaceAllString(s, "")
	}
	if doiRe.MatchString(s) {
		return s, true
	}
	return "", false
}

func normalizeURL(u string) string {
	u = strings.TrimSuffix(u, "/")
	return strings.ToLower(schemeHost(u)) + pathOf(u)
}

// schemeHost/pathOf do a cheap, allocation-light split without pulling in
// net/url for a pure string-normalization helper; full URL parsing for
// resolution happens downstream in pkg/resolver.
func schemeHost(u string) string {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return u
	}
	rest := u[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return u
	}
	return u[:idx+3+slash]
}

func pathOf(u string) string {
	idx := strings.Index(u, "://")
	if idx < 0 {
		return ""
	}
	rest := u[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return ""
	}
	return rest[slash:]
}

func parseBibTeX(raw string, m []string) model.ParsedItem {
	body := m[3]
	fields := parseBibTeXFields(body)

	item := model.ParsedItem{
		RawInput:          raw,
		Kind:              model.KindBibTeX,
		Confidence:        model.ConfidenceHigh,
		ConfidenceFactors: []string{"structural bibtex fields present"},
		Title:             fields["title"],
		Year:              fields["year"],
		DOI:               fields["doi"],
	}
	if authors := fields["author"]; authors != "" {
		item.Authors = splitAuthors(authors)
	}
	if item.DOI != "" {
		item.NormalizedIdentifier = strings.ToLower(item.DOI)
	}
	return item
}

var bibFieldRe = regexp.MustCompile(`(?s)(\w+)\s*=\s*\{([^{}]*)\}`)

func parseBibTeXFields(body string) map[string]string {
	fields := make(map[string]string)
	for _, m := range bibFieldRe.FindAllStringSubmatch(body, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		fields[key] = strings.TrimSpace(strings.Join(strings.Fields(m[2]), " "))
	}
	return fields
}

func splitAuthors(s string) []string {
	parts := strings.Split(s, " and ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// authorRe is a rough heuristic for "Lastname, F." or "Lastname et al."
// author signatures at the start of a free-text reference.
var authorRe = regexp.MustCompile(`^[A-Z][a-zA-Z'-]+(,\s*[A-Z]\.?)+|^[A-Z][a-zA-Z'-]+\s+et al\.?`)

func parseReference(raw, trimmed string) model.ParsedItem {
	item := model.ParsedItem{
		RawInput: raw,
		Kind:     model.KindReference,
	}

	var factors []string
	uncertain := 0

	if loc := authorRe.FindString(trimmed); loc != "" {
		item.Authors = []string{strings.TrimSpace(loc)}
		factors = append(factors, "author present")
	} else {
		uncertain++
	}

	if y := yearRe.FindString(trimmed); y != "" {
		item.Year = y
		factors = append(factors, "year 19xx-20xx")
	} else {
		uncertain++
	}

	title := extractTitle(trimmed)
	item.Title = title
	if len(title) >= 8 && len(title) <= 200 {
		factors = append(factors, "title length in expected band")
	} else {
		uncertain++
	}

	switch {
	case len(item.Authors) > 0 && item.Year != "" && title != "":
		item.Confidence = model.ConfidenceMedium
	default:
		item.Confidence = model.ConfidenceLow
		factors = append(factors, "one or more fields uncertain")
	}
	item.ConfidenceFactors = factors

	return item
}

// extractTitle takes the longest quoted or otherwise distinguishable
// substring as a best-effort title guess.
func extractTitle(s string) string {
	if i := strings.IndexByte(s, '"'); i >= 0 {
		if j := strings.IndexByte(s[i+1:], '"'); j >= 0 {
			return s[i+1 : i+1+j]
		}
	}
	// Fall back to the text between the first ". " and the next ". " or
	// year, a common "Author. Title. Journal, Year." citation shape.
	parts := strings.SplitN(s, ". ", 3)
	if len(parts) >= 2 {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(s)
}
