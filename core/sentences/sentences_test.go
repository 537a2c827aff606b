package sentences

import (
	"slices"
	"testing"
)

func TestSplit(t *testing.T) {
	testCases := []struct {
		name      string
		fragment  string
		content   string
		sentences []string
		remaining string
	}{
		{name: "no punctuation", content: "Hello there", remaining: "Hello there"},
		{name: "single sentence", content: "Hello there. How", sentences: []string{"Hello there."}, remaining: " How"},
		{name: "continues fragment", fragment: "Hel", content: "lo! Bye", sentences: []string{"Hello!"}, remaining: " Bye"},
		{name: "comma splits", content: "Well, yes?", sentences: []string{"Well,", " yes?"}},
		{name: "full width punctuation", content: "ok。fine！", sentences: []string{"ok。", "fine！"}},
		{name: "drops unspeakable", content: "... 42.", sentences: []string{" 42."}},
		{name: "cjk without ascii is dropped", content: "你好。", sentences: nil},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			sentences, remaining := Split(testCase.fragment, testCase.content)
			if !slices.Equal(sentences, testCase.sentences) {
				t.Fatalf("expected sentences %q, got %q", testCase.sentences, sentences)
			}
			if remaining != testCase.remaining {
				t.Fatalf("expected remaining %q, got %q", testCase.remaining, remaining)
			}
		})
	}
}

func TestSplitterKeepsFragmentAcrossDeltas(t *testing.T) {
	var splitter Splitter
	var got []string
	for _, delta := range []string{"It is", " sunny", " today. Tomor", "row too."} {
		got = append(got, splitter.Feed(delta)...)
	}

	expected := []string{"It is sunny today.", " Tomorrow too."}
	if !slices.Equal(got, expected) {
		t.Fatalf("expected %q, got %q", expected, got)
	}
	if splitter.Fragment() != "" {
		t.Fatalf("expected empty fragment, got %q", splitter.Fragment())
	}

	splitter.Feed("dangling")
	splitter.Reset()
	if splitter.Fragment() != "" {
		t.Fatalf("expected reset to drop the fragment")
	}
}
