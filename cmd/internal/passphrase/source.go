// Package passphrase resolves the signer keystore passphrase for daemons.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrEmpty is returned when the resolved passphrase is blank.
var ErrEmpty = errors.New("signer keystore passphrase cannot be empty")

// Source resolves the passphrase once, from an environment variable when set
// and otherwise from an operator prompt. Later calls return the cached result.
type Source struct {
	envVar string
	label  string

	// prompt reads a secret from the terminal; replaced in tests.
	prompt func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the controlling terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  "signer keystore",
		prompt: terminalPrompt(os.Stdin, os.Stderr),
	}
}

// Get returns the passphrase.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	value, err := s.prompt(s.label)
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("%w; set %s", err, s.envVar)
		}
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrEmpty
	}
	return value, nil
}

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("%s passphrase required and no terminal available", label)
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(raw), nil
	}
}
