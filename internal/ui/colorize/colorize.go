// Package colorize applies terminal syntax highlighting to
// disassembly text. Highlighting degrades to plain text whenever a
// lexer is missing or color output is suppressed.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Disabled reports whether color output is suppressed.
func Disabled() bool {
	return os.Getenv("DISVIEW_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// assemblyLexer returns an assembly lexer, ARM syntax first.
func assemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// disasmStyle returns the disassembly style with fallbacks.
func disasmStyle() *chroma.Style {
	for _, name := range []string{"disasm-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// terminalFormatter returns a terminal formatter, high color first.
func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights a whole listing at once.
func Assembly(code string) (string, error) {
	if Disabled() {
		return code, nil
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return code, nil
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := formatTokens(&buf, iterator); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Instruction highlights a single "mnemonic operands" line. Any
// failure falls back to the plain text.
func Instruction(text string) string {
	if Disabled() {
		return text
	}
	lexer := assemblyLexer()
	if lexer == nil {
		return text
	}
	iterator, err := lexer.Tokenise(nil, text)
	if err != nil {
		return text
	}
	var buf strings.Builder
	if err := formatTokens(&buf, iterator); err != nil {
		return text
	}
	return buf.String()
}

func formatTokens(buf *strings.Builder, iterator chroma.Iterator) error {
	return terminalFormatter().Format(buf, disasmStyle(), iterator)
}

// Address renders an already formatted listing address in gray.
func Address(s string) string {
	if Disabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m", s)
}

// Annotation renders the "; ..." tail of a listing row.
func Annotation(s string) string {
	if Disabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;235;194;237m%s\033[0m", s)
}

// Label renders a symbol label row in gold.
func Label(s string) string {
	if Disabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;255;215;0m%s\033[0m", s)
}

// StripANSI removes escape sequences, leaving only visible text.
func StripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
