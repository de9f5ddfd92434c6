package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var (
	setup     sync.Once
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
)

func first[T any](get func(string) T, ok func(T) bool, names ...string) (T, bool) {
	var zero T
	for _, name := range names {
		if v := get(name); ok(v) {
			return v, true
		}
	}
	return zero, false
}

func load() {
	lexer, _ = first(lexers.Get, func(l chroma.Lexer) bool { return l != nil },
		"armasm", "gas", "nasm")
	var ok bool
	if style, ok = first(styles.Get, func(s *chroma.Style) bool { return s != nil },
		DisasmDark.Name, "dracula", "monokai"); !ok {
		style = styles.Fallback
	}
	if formatter, ok = first(formatters.Get, func(f chroma.Formatter) bool { return f != nil },
		"terminal16m", "terminal256"); !ok {
		formatter = formatters.Fallback
	}
}

// IsDisabled reports whether colour output is turned off.
func IsDisabled() bool {
	return os.Getenv("ANISETTE_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction highlights one disassembled instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	setup.Do(load)
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address.
func Address(addr uint64) string { return rgb(255, 200, 0, fmt.Sprintf("%08X", addr)) }

// Tag formats a #tag.
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a symbol or stub name.
func FuncName(name string) string { return rgb(255, 200, 0, name) }

// Detail formats secondary text.
func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Border formats rule characters.
func Border(s string) string { return rgb(80, 80, 80, s) }

// Comment formats a trailing ; comment.
func Comment(s string) string { return rgb(255, 255, 255, s) }

// Header formats a section header.
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats opcode bytes.
func HexBytes(s string) string { return rgb(180, 180, 180, s) }

// Error formats an error message.
func Error(s string) string { return rgb(255, 128, 192, s) }

// Value formats a header value or other payload.
func Value(s string) string { return rgb(255, 128, 192, s) }
