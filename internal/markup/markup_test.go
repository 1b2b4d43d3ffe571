package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"rsc.io/markdown"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"single line", "  Looks good to me  ", "Looks good to me"},
		{"soft wrapped", "Please rename\nthis variable", "Please rename this variable"},
		{"paragraphs", "First paragraph.\n\nSecond paragraph.", "First paragraph.\n\nSecond paragraph."},
		{"hard break", "Line one\\\nLine two", "Line one\\\nLine two"},
		{"emphasis", "This is *very\nimportant* text", "This is *very important* text"},
		{"code block", "Try this:\n\n```\nx := 1\ny := 2\n```", "Try this:\n\n```\nx := 1\ny := 2\n```"},
		{"empty", " \n ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestReflow(t *testing.T) {
	got := Reflow("This is a very long line that should be wrapped at the specified width", 30)
	assert.Equal(t, "This is a very long line that\nshould be wrapped at the\nspecified width", got)

	got = Reflow("Text\n\n```\nlong code line that should not be wrapped\n```", 20)
	assert.Equal(t, "Text\n\n```\nlong code line that should not be wrapped\n```", got)
}

func TestReflowList(t *testing.T) {
	got := Reflow("- This is a list item with a long description that should wrap\n- Second item", 30)
	assert.Contains(t, got, "- This is a list item")
	assert.Contains(t, got, "- Second item")
}

func TestReflowThenNormalize(t *testing.T) {
	for _, in := range []string{
		"This is a simple paragraph with some text.",
		"This has *emphasis* and **strong** text.",
		"Check out [this link](https://example.com) for more.",
	} {
		var p markdown.Parser
		want := markdown.Format(Unwrap(p.Parse(in)))
		got := markdown.Format(Unwrap(p.Parse(Reflow(in, 20))))
		assert.Equal(t, want, got, in)
	}
}
