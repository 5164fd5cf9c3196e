package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/synapse-kb/synapse/internal/metrics"
)

// codeBlockRe matches a fenced code block, with or without a json tag.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// trailingCommaRe matches a comma immediately before a closing brace/bracket.
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// ParseJSONTolerant unmarshals model output into v. Models wrap JSON in
// markdown fences, append prose, leave trailing commas, or truncate the tail
// of the payload; this strips and repairs those before giving up. Parse
// failures are counted and reported with bounded excerpts of the raw text.
func ParseJSONTolerant(raw string, v interface{}) error {
	text := strings.TrimSpace(raw)
	if m := codeBlockRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	// Anything before the first brace or bracket is preamble.
	if i := strings.IndexAny(text, "{["); i > 0 {
		text = text[i:]
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	repaired := repairJSON(text)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		metrics.ParseFailures.Inc()
		return fmt.Errorf("parse model output: %w (raw: %s)", err, excerpt(raw, 500))
	}
	return nil
}

// repairJSON applies best-effort fixes: drop trailing prose past the last
// balanced close, remove trailing commas, balance an open string, and close
// unterminated braces and brackets in nesting order.
func repairJSON(text string) string {
	text = trimTrailingProse(text)
	text = trailingCommaRe.ReplaceAllString(text, "$1")

	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, ch)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if inString {
		text += `"`
	}
	text = strings.TrimRight(text, " \t\n\r,")
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			text += "}"
		} else {
			text += "]"
		}
	}
	return text
}

// trimTrailingProse cuts text after the position where every opened brace and
// bracket has been closed. Text that never balances is returned unchanged so
// the close-out pass in repairJSON can finish it.
func trimTrailingProse(text string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
				if depth == 0 {
					return text[:i+1]
				}
			}
		}
	}
	return text
}

// excerpt bounds raw text for error messages: the whole string when short,
// otherwise the first and last n characters.
func excerpt(s string, n int) string {
	if len(s) <= 2*n {
		return s
	}
	return s[:n] + " ... " + s[len(s)-n:]
}
