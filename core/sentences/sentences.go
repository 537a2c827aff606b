// Package sentences cuts streamed text into sentences for speech synthesis.
package sentences

import "strings"

func isPunctuation(r rune) bool {
	switch r {
	case ',', '，', '.', '。', '?', '？', '!', '！':
		return true
	}
	return false
}

func isSpeakable(sentence string) bool {
	return strings.IndexFunc(sentence, func(r rune) bool {
		return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
	}) >= 0
}

// Split appends content to the pending fragment and returns the completed
// sentences together with the new fragment. A sentence ends at a punctuation
// mark; sentences without any ASCII letter or digit are dropped.
func Split(fragment, content string) ([]string, string) {
	var sentences []string
	var current strings.Builder
	current.WriteString(fragment)

	for _, r := range content {
		current.WriteRune(r)
		if !isPunctuation(r) {
			continue
		}
		if sentence := current.String(); isSpeakable(sentence) {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	return sentences, current.String()
}

// Splitter keeps the pending fragment between calls.
type Splitter struct {
	fragment string
}

// Feed returns the sentences completed by delta.
func (s *Splitter) Feed(delta string) []string {
	var sentences []string
	sentences, s.fragment = Split(s.fragment, delta)
	return sentences
}

// Fragment returns the text not yet terminated by punctuation.
func (s *Splitter) Fragment() string {
	return s.fragment
}

func (s *Splitter) Reset() {
	s.fragment = ""
}
