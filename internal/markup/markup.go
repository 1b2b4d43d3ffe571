// Package markup normalizes comment bodies. Bodies are stored and pushed
// with soft-wrapped lines joined, and reflowed only for display.
package markup

import (
	"strings"

	"rsc.io/markdown"
)

// Normalize joins soft-wrapped lines of a markdown body and trims
// surrounding whitespace. Code blocks, hard breaks and paragraph breaks
// are preserved. Single-line bodies are returned trimmed but otherwise
// untouched.
func Normalize(body string) string {
	body = strings.TrimSpace(body)
	if !strings.Contains(body, "\n") {
		return body
	}
	var p markdown.Parser
	doc := Unwrap(p.Parse(body))
	return strings.TrimRight(markdown.Format(doc), "\n")
}

// Reflow wraps a body at width columns for display in a terminal or editor.
func Reflow(body string, width int) string {
	var p markdown.Parser
	doc := Wrap(p.Parse(body), width)
	return strings.TrimRight(markdown.Format(doc), "\n")
}

// Unwrap replaces soft breaks with spaces throughout b.
func Unwrap(b markdown.Block) markdown.Block {
	return visit(b, join)
}

// Wrap inserts soft breaks so that text lines fit in width.
func Wrap(b markdown.Block, width int) markdown.Block {
	return visit(b, func(in markdown.Inlines) markdown.Inlines {
		return fill(join(in), width, 0)
	})
}

func visit(b markdown.Block, fn func(markdown.Inlines) markdown.Inlines) markdown.Block {
	switch b := b.(type) {
	case *markdown.Document:
		visitAll(b.Blocks, fn)
	case *markdown.Quote:
		visitAll(b.Blocks, fn)
	case *markdown.Item:
		visitAll(b.Blocks, fn)
	case *markdown.List:
		visitAll(b.Items, fn)
	case *markdown.Paragraph:
		b.Text.Inline = fn(b.Text.Inline)
	case *markdown.Heading:
		b.Text.Inline = fn(b.Text.Inline)
	case *markdown.Text:
		b.Inline = fn(b.Inline)
	}
	return b
}

func visitAll(bs []markdown.Block, fn func(markdown.Inlines) markdown.Inlines) {
	for i := range bs {
		bs[i] = visit(bs[i], fn)
	}
}

// inner returns a pointer to the nested inlines of a container inline.
func inner(in markdown.Inline) *markdown.Inlines {
	switch in := in.(type) {
	case *markdown.Strong:
		return &in.Inner
	case *markdown.Emph:
		return &in.Inner
	case *markdown.Del:
		return &in.Inner
	case *markdown.Link:
		return &in.Inner
	case *markdown.Image:
		return &in.Inner
	}
	return nil
}

func join(ins markdown.Inlines) markdown.Inlines {
	out := make(markdown.Inlines, 0, len(ins))
	for _, in := range ins {
		switch v := in.(type) {
		case *markdown.SoftBreak:
			out = append(out, &markdown.Plain{Text: " "})
		case *markdown.Plain:
			out = append(out, &markdown.Plain{Text: strings.ReplaceAll(v.Text, "\n", " ")})
		default:
			if p := inner(in); p != nil {
				*p = join(*p)
			}
			out = append(out, in)
		}
	}
	return coalesce(out)
}

// fill wraps ins starting at column col.
func fill(ins markdown.Inlines, width, col int) markdown.Inlines {
	out := make(markdown.Inlines, 0, len(ins))
	for _, in := range ins {
		switch v := in.(type) {
		case *markdown.Plain:
			var words markdown.Inlines
			words, col = fillPlain(v.Text, width, col)
			out = append(out, words...)
		case *markdown.HardBreak:
			out = append(out, in)
			col = 0
		default:
			if p := inner(in); p != nil {
				*p = fill(*p, width, col+markerWidth(in))
			}
			out = append(out, in)
			col += width1(in)
		}
	}
	return out
}

func fillPlain(text string, width, col int) (markdown.Inlines, int) {
	words := strings.Fields(text)
	if width <= 0 || len(words) == 0 {
		return markdown.Inlines{&markdown.Plain{Text: text}}, col + len(text)
	}
	lead := text[0] == ' ' || text[0] == '\t'
	trail := text[len(text)-1] == ' ' || text[len(text)-1] == '\t'

	var (
		out markdown.Inlines
		buf strings.Builder
	)
	for i, w := range words {
		space := i > 0 || (lead && col > 0)
		gap := 0
		if space {
			gap = 1
		}
		if col > 0 && col+gap+len(w) > width {
			if buf.Len() > 0 {
				out = append(out, &markdown.Plain{Text: buf.String()})
				buf.Reset()
			}
			out = append(out, &markdown.SoftBreak{})
			col, space = 0, false
		}
		if space && (buf.Len() > 0 || col > 0) {
			buf.WriteByte(' ')
			col++
		}
		buf.WriteString(w)
		col += len(w)
	}
	if buf.Len() > 0 {
		s := buf.String()
		if trail {
			s += " "
			col++
		}
		out = append(out, &markdown.Plain{Text: s})
	}
	return out, col
}

func markerWidth(in markdown.Inline) int {
	switch in.(type) {
	case *markdown.Strong, *markdown.Del, *markdown.Image:
		return 2
	}
	return 1
}

// width1 estimates the rendered width of an inline.
func width1(in markdown.Inline) int {
	switch v := in.(type) {
	case *markdown.Plain:
		return len(v.Text)
	case *markdown.Code:
		return len(v.Text) + 2
	case *markdown.Strong:
		return widthAll(v.Inner) + 4
	case *markdown.Del:
		return widthAll(v.Inner) + 4
	case *markdown.Emph:
		return widthAll(v.Inner) + 2
	case *markdown.Link:
		return widthAll(v.Inner) + len(v.URL) + 4
	case *markdown.Image:
		return widthAll(v.Inner) + len(v.URL) + 5
	case *markdown.Emoji:
		return len(v.Text)
	case *markdown.AutoLink:
		return len(v.URL)
	}
	return 0
}

func widthAll(ins markdown.Inlines) int {
	n := 0
	for _, in := range ins {
		n += width1(in)
	}
	return n
}

// coalesce merges adjacent Plain inlines.
func coalesce(ins markdown.Inlines) markdown.Inlines {
	out := make(markdown.Inlines, 0, len(ins))
	var cur *markdown.Plain
	for _, in := range ins {
		p, ok := in.(*markdown.Plain)
		if !ok {
			if cur != nil {
				out = append(out, cur)
				cur = nil
			}
			out = append(out, in)
			continue
		}
		if cur == nil {
			cur = &markdown.Plain{Text: p.Text}
		} else {
			cur.Text += p.Text
		}
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out
}
