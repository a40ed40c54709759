package checkpoint

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Confirmer asks whether a risky recovery may proceed.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// AutoConfirmer answers every question with its own value.
type AutoConfirmer bool

// Confirm returns the fixed answer.
func (a AutoConfirmer) Confirm(question string) (bool, error) {
	return bool(a), nil
}

// TerminalConfirmer asks the user for a Y/N answer.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer

	// Interactive must be true for the question to be asked at all.
	// Non-interactive sessions always decline.
	Interactive bool
}

// NewTerminalConfirmer returns a confirmer reading from stdin. It declines
// automatically when stdin is not a terminal.
func NewTerminalConfirmer() *TerminalConfirmer {
	fd := os.Stdin.Fd()
	return &TerminalConfirmer{
		In:          os.Stdin,
		Out:         os.Stderr,
		Interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// Confirm prompts until the user answers y or n. End of input declines.
func (c *TerminalConfirmer) Confirm(question string) (bool, error) {
	if !c.Interactive {
		return false, nil
	}
	scanner := bufio.NewScanner(c.In)
	for {
		if _, err := fmt.Fprintf(c.Out, "%s [Y/N] ", question); err != nil {
			return false, err
		}
		if !scanner.Scan() {
			return false, scanner.Err()
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "y":
			return true, nil
		case "n":
			return false, nil
		}
	}
}
