package pipeline

import "testing"

func TestFindSentenceBoundary(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"simple period", "Hello there. How are you", 12},
		{"question mark", "Are you open? We", 13},
		{"exclamation", "Great! See", 6},
		{"no boundary", "We are open from nine", -1},
		{"trailing period waits for more", "We are open.", -1},
		{"mr abbreviation", "Mr. Smith is here. Yes", 18},
		{"dr abbreviation", "Dr. Jones will call. OK", 20},
		{"eg abbreviation", "Try sides, e.g. fries. Sure", 22},
		{"decimal number", "Pi is 3.14 roughly. Yes", 19},
		{"single initial", "John D. Smith arrived. Good", 22},
		{"mrs mid-sentence", "Ask Mrs. Lee about it. Fine", 22},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := findSentenceBoundary(tc.input); got != tc.want {
				t.Errorf("findSentenceBoundary(%q) = %d, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestNextSentence(t *testing.T) {
	sentence, rest, ok := nextSentence("We open at nine. We close at five. And")
	if !ok {
		t.Fatal("expected a sentence")
	}
	if sentence != "We open at nine." {
		t.Errorf("sentence = %q", sentence)
	}

	sentence, rest, ok = nextSentence(rest)
	if !ok {
		t.Fatal("expected a second sentence")
	}
	if sentence != "We close at five." {
		t.Errorf("second sentence = %q", sentence)
	}

	if _, _, ok = nextSentence(rest); ok {
		t.Errorf("unexpected third sentence in %q", rest)
	}
}

func TestNextSentence_AbbreviationNotSplit(t *testing.T) {
	for _, input := range []string{
		"Mr. Smith",
		"Dr. Who is",
		"e.g. apples and",
		"the total is 3.14 dollars",
	} {
		if _, _, ok := nextSentence(input); ok {
			t.Errorf("nextSentence(%q) split an abbreviation", input)
		}
	}
}
