package classify

import (
	"fmt"
	"strings"
)

// Tokenize splits a CLI command into argv without invoking a shell. It
// understands single- and double-quoted strings (a backslash escapes the
// surrounding quote character), back-tick literals, and balanced brace,
// bracket and parenthesis structures such as inline JSON. Shell
// metacharacters have no meaning; they become part of tokens. An empty
// quoted string yields an empty token.
func Tokenize(command string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		// quoted distinguishes an empty quoted token from no token at all
		quoted bool
	)

	flush := func() {
		if current.Len() > 0 || quoted {
			tokens = append(tokens, current.String())
			current.Reset()
			quoted = false
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t':
			flush()

		case c == '\'' || c == '"':
			end, err := scanQuoted(runes, i, c)
			if err != nil {
				return nil, err
			}
			current.WriteString(unescapeQuote(string(runes[i+1:end]), c))
			quoted = true
			i = end

		case c == '`':
			end := indexRune(runes, i+1, '`')
			if end < 0 {
				return nil, fmt.Errorf("unterminated back-tick literal")
			}
			// Back-ticks are kept verbatim; the CLI interprets them.
			current.WriteString(string(runes[i : end+1]))
			i = end

		case c == '{' || c == '[' || c == '(':
			end, err := scanBalanced(runes, i)
			if err != nil {
				return nil, err
			}
			current.WriteString(string(runes[i : end+1]))
			i = end

		default:
			current.WriteRune(c)
		}
	}
	flush()

	return tokens, nil
}

// scanQuoted returns the index of the closing quote. A backslash escapes the
// quote character itself (and a literal backslash).
func scanQuoted(runes []rune, start int, quote rune) (int, error) {
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			if i+1 < len(runes) && (runes[i+1] == quote || runes[i+1] == '\\') {
				i++
			}
		case quote:
			return i, nil
		}
	}
	return 0, fmt.Errorf("unterminated %c-quoted string", quote)
}

func unescapeQuote(s string, quote rune) string {
	s = strings.ReplaceAll(s, `\`+string(quote), string(quote))
	return strings.ReplaceAll(s, `\\`, `\`)
}

// scanBalanced returns the index of the rune closing the structure opened at
// start. Double-quoted strings inside the structure are honored so that
// braces in JSON string values do not affect the depth count.
func scanBalanced(runes []rune, start int) (int, error) {
	open := runes[start]
	var closing rune
	switch open {
	case '{':
		closing = '}'
	case '[':
		closing = ']'
	case '(':
		closing = ')'
	}

	depth := 0
	inString := false
	for i := start; i < len(runes); i++ {
		c := runes[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced %c structure", open)
}

func indexRune(runes []rune, from int, want rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == want {
			return i
		}
	}
	return -1
}
