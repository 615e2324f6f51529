package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Prompter asks yes/no questions on a terminal. Without a terminal, or on
// CI, every question is answered with its default.
type Prompter struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

// New creates a Prompter on stdin/stdout
func New() *Prompter {
	interactive := !IsCI() && isatty.IsTerminal(os.Stdin.Fd())
	return NewWith(os.Stdin, os.Stdout, interactive)
}

// NewWith creates a Prompter on arbitrary streams
func NewWith(in io.Reader, out io.Writer, interactive bool) *Prompter {
	return &Prompter{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
	}
}

// IsCI reports whether we run inside GitHub Actions
func IsCI() bool {
	v := os.Getenv("GITHUB_ACTIONS")
	return v == "1" || strings.EqualFold(v, "true")
}

// Interactive reports whether questions are actually asked
func (p *Prompter) Interactive() bool {
	return p.interactive
}

// Confirm asks question and reports whether the answer was yes. A read
// error counts as no.
func (p *Prompter) Confirm(question string, def bool) bool {
	if !p.interactive {
		return def
	}

	fmt.Fprintf(p.out, "%s [y/n] ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
