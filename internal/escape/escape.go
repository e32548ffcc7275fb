// Package escape turns typed-in escape notation into the raw bytes written to
// a session's terminal input.
package escape

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Interpret decodes escape sequences in s.
//
//	\xNN  hex byte (\x03 is Ctrl+C)
//	\n    newline (LF)
//	\r    carriage return (CR), what Enter sends
//	\t    tab
//	\e    escape (ASCII 27)
//	\a    bell
//	\b    backspace
//	\0    NUL
//	\\    literal backslash
//
// Any other escaped character is kept and the backslash dropped, so \! is !.
func Interpret(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))

	i := 0
	for i < len(s) {
		if s[i] != '\\' {
			out = append(out, s[i])
			i++
			continue
		}

		if i+1 >= len(s) {
			return nil, fmt.Errorf("incomplete escape sequence at end of input")
		}

		switch c := s[i+1]; c {
		case 'x':
			if i+3 >= len(s) {
				return nil, fmt.Errorf("incomplete hex escape at position %d", i)
			}
			hex := s[i+2 : i+4]
			val, err := strconv.ParseUint(hex, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid hex escape \\x%s at position %d", hex, i)
			}
			out = append(out, byte(val))
			i += 4
		case 'n', 'r', 't', 'e', 'a', 'b', '0', '\\':
			out = append(out, simple[c])
			i += 2
		default:
			r, size := utf8.DecodeRuneInString(s[i+1:])
			out = utf8.AppendRune(out, r)
			i += 1 + size
		}
	}

	return out, nil
}

var simple = map[byte]byte{
	'n':  '\n',
	'r':  '\r',
	't':  '\t',
	'e':  0x1b,
	'a':  0x07,
	'b':  0x08,
	'0':  0x00,
	'\\': '\\',
}

var keys = map[string]string{
	"enter":     "\r",
	"tab":       "\t",
	"esc":       "\x1b",
	"space":     " ",
	"backspace": "\x7f",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"delete":    "\x1b[3~",
}

// Key returns the bytes for a named key: one of Keys(), or ctrl-<letter>.
// Names are case-insensitive.
func Key(name string) ([]byte, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if seq, ok := keys[name]; ok {
		return []byte(seq), nil
	}
	if letter, ok := strings.CutPrefix(name, "ctrl-"); ok && len(letter) == 1 {
		c := letter[0]
		switch {
		case c >= 'a' && c <= 'z':
			return []byte{c - 'a' + 1}, nil
		case c == '\\':
			return []byte{0x1c}, nil
		}
	}
	return nil, fmt.Errorf("unknown key %q", name)
}

// Keys lists the named keys Key accepts, besides ctrl-<letter>.
func Keys() []string {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
