// Package gcode parses G-code lines and routes them to the motion
// executor, the spindle and the tapping cycles.
package gcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned for a word that is not a letter followed by a number
var ErrSyntax = errors.New("gcode syntax error")

// Command is one parsed G-code line
type Command struct {
	Type    byte             // 'G', 'M' or 'T'; 0 for a parameter-only line
	Number  int              // command number, e.g. 84 for G84
	Params  map[byte]float64 // parameter words, keyed by upper case letter
	Comment string
}

// String formats the command name, e.g. "G84"
func (cmd *Command) String() string {
	if cmd.Type == 0 {
		return "(none)"
	}
	return string(cmd.Type) + strconv.Itoa(cmd.Number)
}

// HasParameter checks if a parameter exists in the command
func (cmd *Command) HasParameter(param byte) bool {
	_, ok := cmd.Params[param]
	return ok
}

// GetParameter gets a parameter value, or returns the default if not present
func (cmd *Command) GetParameter(param byte, defaultValue float64) float64 {
	if val, ok := cmd.Params[param]; ok {
		return val
	}
	return defaultValue
}

// Parser splits G-code lines into commands
type Parser struct{}

// NewParser creates a new G-code parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseLine parses a single line of G-code. Blank lines yield a nil
// command. Line numbers (N) and checksums (*) are dropped.
func (p *Parser) ParseLine(line string) (*Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}

	cmd := &Command{Params: make(map[byte]float64)}

	if i := strings.IndexAny(line, ";("); i >= 0 {
		cmd.Comment = strings.TrimSpace(line[i:])
		line = line[:i]
	}
	if i := strings.IndexByte(line, '*'); i >= 0 {
		line = line[:i]
	}

	i := 0
	for i < len(line) {
		c := line[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if !isLetter(c) {
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrSyntax, c, line)
		}
		letter := toUpper(c)
		i++

		// Values may be separated from their letter by spaces
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && isNumberByte(line[i]) {
			i++
		}
		if start == i {
			return nil, fmt.Errorf("%w: %c has no value", ErrSyntax, letter)
		}
		word := line[start:i]

		switch {
		case cmd.Type == 0 && (letter == 'G' || letter == 'M' || letter == 'T'):
			n, err := strconv.Atoi(word)
			if err != nil {
				return nil, fmt.Errorf("%w: %c%s", ErrSyntax, letter, word)
			}
			cmd.Type = letter
			cmd.Number = n
		case letter == 'N' && cmd.Type == 0 && len(cmd.Params) == 0:
			// line number
		default:
			v, err := strconv.ParseFloat(word, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %c%s", ErrSyntax, letter, word)
			}
			cmd.Params[letter] = v
		}
	}

	return cmd, nil
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+'
}

// isLetter checks if a byte is a letter
func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// toUpper converts a byte to uppercase
func toUpper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - ('a' - 'A')
	}
	return c
}
