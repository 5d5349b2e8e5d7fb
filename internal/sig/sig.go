// Package sig implements the Signature Extractor: given a source file
// and a function name, locate its definition site, pull out the
// return type and parameter list, and produce a structured Signature
// the rest of the toolchain can reason about.
//
// The actual "feed a prototype to a C-parser utility, walk the AST"
// step has no analogue anywhere in the example pack (no third-party C
// parser is imported by tinyrange/cc or any other repo retrieved for
// this task), so that one step is a small hand-rolled declarator classifier in cparse.go
// rather than a general C grammar — it understands exactly the
// pointer/array/name shapes the wrapper synthesizer and metadata
// builder need and nothing more.
package sig

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/tinyrange/p4jit/internal/p4err"
)

// Category classifies a parameter as passed by value or by pointer;
// it is derived purely from the presence of pointer or array markers
// in the declarator.
type Category int

const (
	CategoryValue Category = iota
	CategoryPointer
)

func (c Category) String() string {
	if c == CategoryPointer {
		return "pointer"
	}
	return "value"
}

// Parameter is one entry in a Signature's parameter list.
type Parameter struct {
	Name     string
	Type     string
	Category Category
}

// Signature is the structured description of a function extracted
// from source.
type Signature struct {
	Name       string
	ReturnType string
	Parameters []Parameter
}

// defaultAttributeMacros are stripped from the captured return-type
// prefix before classification: a configured list of the
// platform/placement attribute macros found on embedded entry points.
var defaultAttributeMacros = []string{
	"IRAM_ATTR", "DRAM_ATTR", "RTC_IRAM_ATTR", "RTC_DATA_ATTR",
	"static", "extern", "inline", "__inline__",
}

var attributeCallRe = regexp.MustCompile(`__attribute__\s*\(\([^)]*\)\)`)

// Extract locates funcName's definition in the source at path and
// returns its Signature.
func Extract(path, funcName string) (Signature, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Signature{}, fmt.Errorf("sig.Extract(%s): %w", path, err)
	}
	return extractFromSource(string(raw), funcName)
}

func extractFromSource(source, funcName string) (Signature, error) {
	stripped := stripComments(source)

	site, ok := findDefinitionSite(stripped, funcName)
	if !ok {
		return Signature{}, p4err.New(p4err.KindSignatureNotFound,
			fmt.Sprintf("sig.Extract: function %q not found", funcName))
	}

	returnType := cleanReturnType(site.returnTypePrefix)
	params, err := parseParamList(site.argsText)
	if err != nil {
		return Signature{}, p4err.Wrap(p4err.KindSignatureUnparseable,
			fmt.Sprintf("sig.Extract: %s", funcName), err)
	}

	return Signature{Name: funcName, ReturnType: returnType, Parameters: params}, nil
}

type definitionSite struct {
	returnTypePrefix string
	argsText         string
}

// controlKeywords and the punctuation set below are the "preceding
// token" rejection list: a match whose preceding token is one of
// these is a call site, not a definition.
var controlKeywords = map[string]bool{
	"if": true, "while": true, "for": true, "switch": true, "return": true,
}

var identOrFuncCallRe = func(name string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\s*\(`)
}

// findDefinitionSite scans stripped source for a standalone-identifier
// occurrence of name immediately followed by '(' that is not a call
// site, and captures the return-type prefix and the balanced-paren
// argument text.
func findDefinitionSite(stripped, name string) (definitionSite, bool) {
	re := identOrFuncCallRe(name)
	for _, loc := range re.FindAllStringIndex(stripped, -1) {
		matchStart, openParenEnd := loc[0], loc[1]
		precedingTok := precedingToken(stripped[:matchStart])
		if isCallSitePreceding(precedingTok) {
			continue
		}

		argsStart := openParenEnd - 1 // index of '('
		argsText, closeIdx, ok := scanBalancedParens(stripped, argsStart)
		if !ok {
			continue
		}

		// A definition is followed (after the closing paren, skipping
		// whitespace) by '{' directly, or by nothing else usable as a
		// call (calls are followed by ';' immediately in most simple
		// cases, but the authoritative signal spec gives us is the
		// preceding-token rule, so we accept the first candidate that
		// passes it).
		_ = closeIdx

		prefixStart := statementStart(stripped[:matchStart])
		return definitionSite{
			returnTypePrefix: stripped[prefixStart:matchStart],
			argsText:         argsText,
		}, true
	}
	return definitionSite{}, false
}

// precedingToken returns the last non-whitespace token (identifier run
// or single punctuation char) immediately before the cursor.
func precedingToken(before string) string {
	trimmed := strings.TrimRight(before, " \t\r\n")
	if trimmed == "" {
		return ""
	}
	last := trimmed[len(trimmed)-1]
	if last == '=' || last == '(' || last == ',' {
		return string(last)
	}
	// identifier run
	i := len(trimmed)
	for i > 0 && isIdentByte(trimmed[i-1]) {
		i--
	}
	return trimmed[i:]
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isCallSitePreceding(tok string) bool {
	if tok == "=" || tok == "(" || tok == "," {
		return true
	}
	return controlKeywords[tok]
}

// statementStart walks backward from the cursor to the end of the
// previous top-level statement/declaration boundary (';', '{', '}'),
// or the start of the text.
func statementStart(before string) int {
	for i := len(before) - 1; i >= 0; i-- {
		switch before[i] {
		case ';', '{', '}':
			return i + 1
		}
	}
	return 0
}

// scanBalancedParens expects s[openIdx] == '(' and returns the text
// strictly between the matching parens along with the index of the
// closing paren.
func scanBalancedParens(s string, openIdx int) (string, int, bool) {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[openIdx+1 : i], i, true
			}
		}
	}
	return "", 0, false
}

// cleanReturnType strips attribute macros and storage-class keywords
// from the captured prefix.
func cleanReturnType(prefix string) string {
	s := attributeCallRe.ReplaceAllString(prefix, " ")
	words := strings.Fields(s)
	out := words[:0]
	skip := make(map[string]bool, len(defaultAttributeMacros))
	for _, m := range defaultAttributeMacros {
		skip[m] = true
	}
	for _, w := range words {
		if skip[w] {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// stripComments blanks out // and /* */ comments, preserving newlines
// and all other byte offsets so later regexp/index math stays valid.
// It does not attempt to special-case string or character literals —
// C source for device wrapper targets essentially never embeds "//"
// inside a string on the same line as a function signature, and the
// original Python implementation made the same simplification.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	i := 0
	for i < len(src) {
		if i+1 < len(src) && src[i] == '/' && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				b.WriteByte(' ')
				i++
			}
			continue
		}
		if i+1 < len(src) && src[i] == '/' && src[i+1] == '*' {
			b.WriteByte(' ')
			b.WriteByte(' ')
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				if src[i] == '\n' {
					b.WriteByte('\n')
				} else {
					b.WriteByte(' ')
				}
				i++
			}
			if i+1 < len(src) {
				b.WriteByte(' ')
				b.WriteByte(' ')
				i += 2
			} else {
				i = len(src)
			}
			continue
		}
		b.WriteByte(src[i])
		i++
	}
	return b.String()
}
