// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// accentStripper decomposes characters and drops combining marks, so
// "café" tokenizes identically to "cafe".
var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Tokenize splits a descriptive field into lowercase search terms.
//
// Hyphen and underscore are term-internal: "llama-3" is one token
// family, not three. Everything else outside letters and digits is a
// separator. Accented characters are normalized before splitting.
func Tokenize(text string) []string {
	normalized, _, err := transform.String(accentStripper, text)
	if err != nil {
		normalized = text
	}
	normalized = strings.ToLower(normalized)

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range normalized {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	// Trim separator-only tokens and dangling separators.
	out := tokens[:0]
	for _, t := range tokens {
		t = strings.Trim(t, "-_")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// fieldWeight ranks which descriptive field a term came from.
// Name-derived terms outrank tag terms, which outrank provenance.
const (
	weightName       = 3
	weightTag        = 2
	weightProvenance = 1
)

// recordTerms extracts every (term, weight) pair of a record, keeping
// the highest weight when a term appears in several fields.
func recordTerms(record *AssetRecord) map[string]int {
	terms := make(map[string]int)
	add := func(text string, weight int) {
		for _, t := range Tokenize(text) {
			if terms[t] < weight {
				terms[t] = weight
			}
		}
	}

	_, family, name, err := ParseID(record.ID)
	if err == nil {
		add(family, weightName)
		add(name, weightName)
	}
	add(record.Meta.DisplayName, weightName)
	add(record.Meta.Description, weightTag)
	for _, tag := range record.Meta.Tags {
		add(tag, weightTag)
	}
	for _, p := range record.Meta.Provenance {
		add(p, weightProvenance)
	}
	return terms
}
