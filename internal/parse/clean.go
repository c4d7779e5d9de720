package parse

import (
	"regexp"
	"strings"
)

var (
	fenceRe         = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*[ \t]*\\r?\\n?(.*?)```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	pyLiteralRe     = regexp.MustCompile(`([:\[,]\s*)(True|False|None)\b`)
)

var pyLiterals = map[string]string{"True": "true", "False": "false", "None": "null"}

// clean strips wrapper artifacts around a JSON object: markdown fences with
// or without a language tag, commentary before the first "{" or after the
// last "}", trailing commas, Python literals and single-quoted strings.
func clean(text string) string {
	text = strings.TrimSpace(text)

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if strings.HasPrefix(text, "```") {
		// Unterminated fence, usually a truncated response.
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.Contains(text[:nl], "{") {
			text = text[nl+1:]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	text = text[start : end+1]

	text = trailingCommaRe.ReplaceAllString(text, "$1")
	text = pyLiteralRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := pyLiteralRe.FindStringSubmatch(m)
		return sub[1] + pyLiterals[sub[2]]
	})
	if !strings.Contains(text, `"`) && strings.Contains(text, "'") {
		text = strings.ReplaceAll(text, "'", `"`)
	}

	return strings.TrimSpace(text)
}
