package stepexec

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// normalizeNarration shapes scene narration before it is handed to a
// (dry-run or real) TTS/caption provider: NFC-normalizes the text and folds
// fullwidth punctuation/letters down to their narrow forms, so providers
// downstream never see two different byte sequences for the same glyph.
func normalizeNarration(s string) string {
	return norm.NFC.String(width.Fold.String(s))
}

// splitWords is a minimal whitespace tokenizer standing in for a real
// forced-aligner's word boundaries.
func splitWords(s string) []string {
	return strings.Fields(normalizeNarration(s))
}
