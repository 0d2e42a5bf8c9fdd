// Package json pulls a JSON object out of free-form LLM replies.
//
// Models asked for structured output still wrap it in markdown fences or
// surround it with commentary. Extract finds the first complete object using a
// string-aware brace scanner, so braces inside string values do not confuse it.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extract returns the first well-formed JSON object found in response.
func Extract(response string) (string, error) {
	candidate := strings.TrimSpace(unfence(response))
	if json.Valid([]byte(candidate)) && strings.HasPrefix(candidate, "{") {
		return candidate, nil
	}

	for start := strings.IndexByte(candidate, '{'); start != -1; {
		if end := matchBrace(candidate, start); end != -1 {
			obj := candidate[start : end+1]
			if json.Valid([]byte(obj)) {
				return obj, nil
			}
		}
		next := strings.IndexByte(candidate[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}

	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview(response))
}

// Decode extracts the first JSON object in response and unmarshals it into T.
func Decode[T any](response string) (T, error) {
	var out T
	obj, err := Extract(response)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return out, nil
}

// unfence returns the body of the first ``` fenced block, or s unchanged.
func unfence(s string) string {
	open := strings.Index(s, "```")
	if open == -1 {
		return s
	}
	body := s[open+3:]
	// drop the info string (```json)
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end != -1 {
		body = body[:end]
	}
	return body
}

// matchBrace returns the index of the brace closing the one at s[start], or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func preview(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
