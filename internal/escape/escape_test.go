package escape

import (
	"bytes"
	"testing"
)

func TestInterpret(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"newline", `\n`, "\n"},
		{"carriage return", `\r`, "\r"},
		{"tab", `\t`, "\t"},
		{"escape", `\e`, "\x1b"},
		{"bell", `\a`, "\x07"},
		{"backspace", `\b`, "\x08"},
		{"backslash", `\\`, "\\"},
		{"null", `\0`, "\x00"},
		{"hex ctrl-c", `\x03`, "\x03"},
		{"hex uppercase", `\xFF`, "\xff"},
		{"unknown keeps char", `\!`, "!"},
		{"unknown multibyte", `\é`, "é"},
		{"text with known", `hello\nworld`, "hello\nworld"},
		{"known and unknown mixed", `\n\!\t\?`, "\n!\t?"},
		{"arrow key by hand", `\e[A`, "\x1b[A"},
		{"plain text only", "no escapes here", "no escapes here"},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Interpret(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Interpret(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInterpret_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"trailing backslash", `hello\`},
		{"bad hex digits", `\xZZ`},
		{"incomplete hex", `\x0`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Interpret(tt.input); err == nil {
				t.Fatalf("expected error for input %q, got none", tt.input)
			}
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		want []byte
	}{
		{"enter", []byte("\r")},
		{"ENTER", []byte("\r")},
		{"up", []byte("\x1b[A")},
		{"ctrl-c", []byte{0x03}},
		{"ctrl-D", []byte{0x04}},
		{"ctrl-\\", []byte{0x1c}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Key(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Key(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}

	for _, bad := range []string{"", "hyper", "ctrl-", "ctrl-cc", "ctrl-1"} {
		if _, err := Key(bad); err == nil {
			t.Errorf("Key(%q) should fail", bad)
		}
	}
	for _, name := range Keys() {
		if _, err := Key(name); err != nil {
			t.Errorf("listed key %q rejected: %v", name, err)
		}
	}
}
