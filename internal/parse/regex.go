package parse

import (
	"regexp"
	"strings"

	"github.com/sells-group/ipv-detect/internal/model"
)

const (
	boolAlt = `(true|false|yes|no|1|0|not[ _]detected|detected)`
	// keyStart keeps an alias from matching the tail of a longer key.
	keyStart = `(?:^|[^A-Za-z0-9_])`
)

var (
	detectedRe = regexp.MustCompile(
		`(?i)` + keyStart + `["']?(?:` + strings.Join(detectedKeys, "|") + `)["']?\s*[:=]\s*["']?` + boolAlt + `\b`)
	confidenceRe = regexp.MustCompile(
		`(?i)` + keyStart + `["']?(?:` + strings.Join(confidenceKeys, "|") + `)["']?\s*[:=]\s*["']?(-?\d+(?:\.\d+)?|\.\d+)\s*(%?)`)
	rationaleRe = regexp.MustCompile(
		`(?i)` + keyStart + `["']?(?:` + strings.Join(rationaleKeys, "|") + `)["']?\s*[:=]\s*"((?:[^"\\]|\\.)*)"`)
	indicatorRes = func() map[string]*regexp.Regexp {
		out := make(map[string]*regexp.Regexp, len(model.IndicatorNames))
		for _, name := range model.IndicatorNames {
			out[name] = regexp.MustCompile(`(?i)` + keyStart + `["']?` + name + `["']?\s*[:=]\s*["']?` + boolAlt + `\b`)
		}
		return out
	}()
)

// parseRegex pulls individually recognizable key/value pairs out of text
// that is not parseable as JSON. Only matched fields are populated.
func parseRegex(raw string) (model.ParsedResult, bool) {
	var res model.ParsedResult

	if m := detectedRe.FindStringSubmatch(raw); m != nil {
		res.Detected = tristateText(strings.ReplaceAll(m[1], "_", " "))
	}
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		res.Confidence = confidenceText(m[1] + m[2])
	}
	if !res.Detected.Known() && res.Confidence == nil {
		return model.ParsedResult{}, false
	}

	if m := rationaleRe.FindStringSubmatch(raw); m != nil {
		res.Rationale = strings.TrimSpace(strings.ReplaceAll(m[1], `\"`, `"`))
	}
	for name, re := range indicatorRes {
		if m := re.FindStringSubmatch(raw); m != nil {
			if t := tristateText(strings.ReplaceAll(m[1], "_", " ")); t.Known() {
				res.Indicators.Set(name, t)
			}
		}
	}
	return res, true
}
