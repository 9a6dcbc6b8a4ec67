package pipeline

import (
	"strings"
	"unicode"
)

// abbreviations that end with a period but do not end a sentence. Lowercased,
// without the trailing dot.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true,
	"etc": true, "eg": true, "ie": true, "no": true, "approx": true,
}

// findSentenceBoundary returns the index just past the first sentence
// terminator in s, or -1 when no complete sentence is present.
//
// A terminator is '.', '!' or '?' followed by whitespace. A period does not
// terminate when it follows a known abbreviation, a single capital letter
// ("John D. Smith"), or a digit on both sides ("3.14" never has trailing
// whitespace after the dot, but "item 3. 14 units" keeps list numbering
// intact).
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// Must be followed by whitespace; a trailing terminator at the very
		// end of the buffer waits for the next delta (it may be "3." of
		// "3.14").
		if i+1 >= len(s) || !isSpaceByte(s[i+1]) {
			continue
		}
		if c == '.' && isAbbreviation(s[:i]) {
			continue
		}
		return i + 1
	}
	return -1
}

// isAbbreviation reports whether the token ending at the period (prefix is
// everything before the dot) is an abbreviation or a single-letter initial.
// Internal dots are part of the token so "e.g." and "i.e." resolve to their
// map entries.
func isAbbreviation(prefix string) bool {
	start := len(prefix)
	for start > 0 && (isWordByte(prefix[start-1]) || prefix[start-1] == '.') {
		start--
	}
	word := strings.ReplaceAll(prefix[start:], ".", "")
	if word == "" {
		return false
	}
	if len(word) == 1 && unicode.IsUpper(rune(word[0])) {
		return true
	}
	return abbreviations[strings.ToLower(word)]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// nextSentence splits buf at the first sentence boundary, returning the
// trimmed sentence and the remainder. ok is false when no boundary exists.
func nextSentence(buf string) (sentence, rest string, ok bool) {
	idx := findSentenceBoundary(buf)
	if idx < 0 {
		return "", buf, false
	}
	return strings.TrimSpace(buf[:idx]), buf[idx:], true
}
