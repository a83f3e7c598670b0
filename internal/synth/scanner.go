package synth

import (
	"strings"
	"unicode"
)

// ClassDecl is a top-level class recognized in one source file.
type ClassDecl struct {
	Name        string
	Extends     string
	Annotations []string
	File        string // path relative to the archive root
}

// fileScan is the syntactic summary of one source file. The scanner performs
// recognition only: class heads with their extends clause, annotations on
// class declarations, and top-level main definitions. It never evaluates
// user code.
type fileScan struct {
	Classes []ClassDecl
	HasMain bool
}

// scanSource scans one Dart source file.
func scanSource(src string) fileScan {
	toks := tokenize(stripCommentsAndStrings(src))

	var out fileScan
	var pending []string

	for i := 0; i < len(toks); i++ {
		t := toks[i]

		switch {
		case t == "@" && i+1 < len(toks) && isIdent(toks[i+1]):
			pending = append(pending, toks[i+1])
			i++
			// Skip a trailing argument list: tokenizer collapses balanced
			// parens at depth 0 into "()".
			if i+1 < len(toks) && toks[i+1] == "()" {
				i++
			}

		case t == "class" && i+1 < len(toks) && isIdent(toks[i+1]):
			decl := ClassDecl{Name: toks[i+1], Annotations: pending}
			pending = nil
			j := i + 2
			for j < len(toks) && toks[j] != "{" && toks[j] != ";" {
				if toks[j] == "extends" && j+1 < len(toks) && isIdent(toks[j+1]) {
					decl.Extends = toks[j+1]
				}
				j++
			}
			out.Classes = append(out.Classes, decl)
			i = j

		case t == "main" && i+1 < len(toks) && (toks[i+1] == "()" || toks[i+1] == "("):
			// A top-level entry function makes the archive ambiguous.
			if i == 0 || toks[i-1] != "." {
				out.HasMain = true
			}
			pending = nil

		case t == "{" || t == ";":
			pending = nil
		}
	}

	return out
}

// stripCommentsAndStrings blanks out comments and string literals so the
// tokenizer only sees structure. Newlines are preserved. Dart block comments
// nest.
func stripCommentsAndStrings(src string) string {
	var b strings.Builder
	b.Grow(len(src))

	i := 0
	n := len(src)
	for i < n {
		c := src[i]

		switch {
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && src[i+1] == '*':
			depth := 1
			i += 2
			for i < n && depth > 0 {
				if src[i] == '/' && i+1 < n && src[i+1] == '*' {
					depth++
					i += 2
				} else if src[i] == '*' && i+1 < n && src[i+1] == '/' {
					depth--
					i += 2
				} else {
					if src[i] == '\n' {
						b.WriteByte('\n')
					}
					i++
				}
			}

		case c == '\'' || c == '"':
			quote := c
			triple := i+2 < n && src[i+1] == quote && src[i+2] == quote
			if triple {
				i += 3
				for i+2 < n && !(src[i] == quote && src[i+1] == quote && src[i+2] == quote) {
					if src[i] == '\n' {
						b.WriteByte('\n')
					}
					i++
				}
				i += 3
			} else {
				i++
				for i < n && src[i] != quote && src[i] != '\n' {
					if src[i] == '\\' {
						i++
					}
					i++
				}
				if i < n {
					i++
				}
			}
			b.WriteByte('_') // placeholder keeps tokens separated

		default:
			b.WriteByte(c)
			i++
		}
	}

	return b.String()
}

// tokenize splits sanitized source into identifiers and structural symbols.
// Inside braces only depth is tracked; tokens are emitted at depth 0.
// Balanced parenthesis groups at depth 0 collapse into a "()" token.
func tokenize(src string) []string {
	var toks []string
	braceDepth := 0

	i := 0
	n := len(src)
	for i < n {
		c := rune(src[i])

		switch {
		case c == '{':
			if braceDepth == 0 {
				toks = append(toks, "{")
			}
			braceDepth++
			i++

		case c == '}':
			braceDepth--
			if braceDepth < 0 {
				braceDepth = 0
			}
			i++

		case braceDepth > 0:
			i++

		case c == '(':
			depth := 1
			i++
			for i < n && depth > 0 {
				if src[i] == '(' {
					depth++
				} else if src[i] == ')' {
					depth--
				}
				i++
			}
			toks = append(toks, "()")

		case c == '@' || c == ';' || c == '.':
			toks = append(toks, string(c))
			i++

		case unicode.IsLetter(c) || c == '_' || c == '$':
			j := i
			for j < n && isIdentByte(src[j]) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j

		default:
			i++
		}
	}

	return toks
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return !(s[0] >= '0' && s[0] <= '9')
}
