package docstore

import (
	"errors"
	"strings"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// SplitWords splits a command line into words using POSIX shell quoting.
//
// Single quotes are literal. Inside double quotes a backslash escapes only
// '"', '\\', '$', '`' and newline. Outside quotes a backslash escapes the next
// character. Quotes never produce a separate word: `a"b c"` is one word.
func SplitWords(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		escaped bool
		quote   rune
	)

	for _, r := range line {
		switch {
		case escaped:
			if quote == '"' && !strings.ContainsRune("\"\\$`\n", r) {
				cur.WriteRune('\\')
			}

			if !(quote == 0 && r == '\n') {
				cur.WriteRune(r)
			}

			escaped = false
			inWord = true
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}

	if inWord {
		words = append(words, cur.String())
	}

	return words, nil
}
