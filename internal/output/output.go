// Package output formats CLI results and status messages.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/fathom-search/fathom/internal/document"
	"github.com/fathom-search/fathom/internal/query"
)

const snippetLen = 120

// Writer renders search results and status lines. Colors are enabled
// only when writing to a terminal.
type Writer struct {
	out      io.Writer
	useColor bool
}

// New creates a writer for out, detecting terminal capability from fd
// when out exposes one.
func New(out io.Writer) *Writer {
	w := &Writer{out: out}
	if f, ok := out.(interface{ Fd() uintptr }); ok {
		w.useColor = isatty.IsTerminal(f.Fd())
	}
	return w
}

// Statusf prints a status line. Write errors on console output are
// ignored.
func (w *Writer) Statusf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

// Errorf prints an error line.
func (w *Writer) Errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, w.colorize("31", "error: ")+format+"\n", args...)
}

// Results renders ranked hits, one block per hit: rank, key, score, and
// a snippet of the first text field.
func (w *Writer) Results(hits []query.Hit) {
	if len(hits) == 0 {
		w.Statusf("no results")
		return
	}
	for i, h := range hits {
		_, _ = fmt.Fprintf(w.out, "%2d. %s %s\n", i+1,
			w.colorize("1", h.Key),
			w.colorize("2", fmt.Sprintf("(%.4f)", h.Score)))
		if snippet := firstSnippet(h.Fields); snippet != "" {
			_, _ = fmt.Fprintf(w.out, "    %s\n", snippet)
		}
	}
}

func firstSnippet(fields []document.StoredField) string {
	for _, f := range fields {
		if f.Kind != document.KindText || f.Text == "" {
			continue
		}
		s := strings.Join(strings.Fields(f.Text), " ")
		if len(s) > snippetLen {
			s = s[:snippetLen] + "..."
		}
		return s
	}
	return ""
}

func (w *Writer) colorize(code, s string) string {
	if !w.useColor {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}
