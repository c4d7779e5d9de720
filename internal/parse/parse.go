// Package parse turns raw model output into a model.ParsedResult, recovering
// what it can from malformed responses. Fields that cannot be read are left
// Unknown; a failed parse never reads as "not detected".
package parse

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sells-group/ipv-detect/internal/model"
)

// Stage numbers recorded on a ParsedResult.
const (
	StageStrict  = 1
	StageCleaned = 2
	StageRegex   = 3
)

var (
	detectedKeys   = []string{"detected", "ipv_detected", "is_ipv", "ipv", "ipv_related", "intimate_partner_violence"}
	confidenceKeys = []string{"confidence", "confidence_score", "probability", "score"}
	rationaleKeys  = []string{"rationale", "reasoning", "explanation", "reason"}
	indicatorKeys  = []string{"indicators", "risk_factors", "ipv_indicators"}
)

// Parse reads raw model output. Stages run in order and the first that
// yields a detection answer or a confidence wins:
//
//  1. strict JSON
//  2. JSON after stripping code fences, commentary and common syntax slips
//  3. regex extraction of individual fields
//
// If none succeeds the result is ParseFailed with raw preserved.
func Parse(raw string) model.ParsedResult {
	if res, ok := parseJSON(strings.TrimSpace(raw)); ok {
		res.Status = model.ParseOK
		res.Stage = StageStrict
		res.Raw = raw
		return res
	}

	if cleaned := clean(raw); cleaned != "" {
		if res, ok := parseJSON(cleaned); ok {
			res.Status = model.ParseRecovered
			res.Stage = StageCleaned
			res.Raw = raw
			return res
		}
	}

	if res, ok := parseRegex(raw); ok {
		res.Status = model.ParseRecovered
		res.Stage = StageRegex
		res.Raw = raw
		return res
	}

	return model.ParsedResult{Status: model.ParseFailed, Raw: raw}
}

// Classify parses a successful invocation or records a failed one.
func Classify(inv model.ModelInvocation) model.ParsedResult {
	if inv.Failed() {
		return FromInvocationError(inv)
	}
	return Parse(inv.ResponseRaw)
}

// SkippedEmpty is the result for a narrative that was never sent to the model.
func SkippedEmpty() model.ParsedResult {
	return model.ParsedResult{Status: model.ParseSkippedEmpty}
}

// FromInvocationError is the result for a call that ended without a response.
func FromInvocationError(inv model.ModelInvocation) model.ParsedResult {
	return model.ParsedResult{Status: model.ParseError, Raw: inv.ResponseRaw}
}

func parseJSON(s string) (model.ParsedResult, bool) {
	if s == "" || !gjson.Valid(s) {
		return model.ParsedResult{}, false
	}
	root := gjson.Parse(s)
	if root.IsArray() {
		root = root.Get("0")
	}
	if !root.IsObject() {
		return model.ParsedResult{}, false
	}

	res := extract(root)
	if res.Detected.Known() || res.Confidence != nil {
		return res, true
	}

	// Some models nest the answer one level down, e.g. {"classification": {...}}.
	var nested model.ParsedResult
	found := false
	root.ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		r := extract(v)
		if r.Detected.Known() || r.Confidence != nil {
			nested, found = r, true
			return false
		}
		return true
	})
	return nested, found
}

func extract(obj gjson.Result) model.ParsedResult {
	fields := lowerKeys(obj)
	var res model.ParsedResult

	if v, ok := first(fields, detectedKeys); ok {
		res.Detected = tristate(v)
	}
	if v, ok := first(fields, confidenceKeys); ok {
		res.Confidence = confidence(v)
	}
	if v, ok := first(fields, rationaleKeys); ok && v.Type == gjson.String {
		res.Rationale = strings.TrimSpace(v.String())
	}

	// Indicators may be a nested object or sit at the top level.
	if v, ok := first(fields, indicatorKeys); ok && v.IsObject() {
		readIndicators(&res.Indicators, lowerKeys(v))
	}
	readIndicators(&res.Indicators, fields)
	return res
}

func readIndicators(in *model.Indicators, fields map[string]gjson.Result) {
	for _, name := range model.IndicatorNames {
		if v, ok := fields[name]; ok {
			if t := tristate(v); t.Known() {
				in.Set(name, t)
			}
		}
	}
}

func lowerKeys(obj gjson.Result) map[string]gjson.Result {
	fields := make(map[string]gjson.Result)
	obj.ForEach(func(k, v gjson.Result) bool {
		key := strings.ToLower(strings.TrimSpace(k.String()))
		key = strings.ReplaceAll(key, " ", "_")
		if _, dup := fields[key]; !dup {
			fields[key] = v
		}
		return true
	})
	return fields
}

func first(fields map[string]gjson.Result, keys []string) (gjson.Result, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func tristate(v gjson.Result) model.Tristate {
	switch v.Type {
	case gjson.True:
		return model.Yes
	case gjson.False:
		return model.No
	case gjson.Number:
		switch v.Float() {
		case 1:
			return model.Yes
		case 0:
			return model.No
		}
		return model.Unknown
	case gjson.String:
		return tristateText(v.String())
	}
	return model.Unknown
}

func tristateText(s string) model.Tristate {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "detected":
		return model.Yes
	case "false", "no", "0", "not detected", "not_detected":
		return model.No
	}
	return model.Unknown
}

func confidence(v gjson.Result) *float64 {
	switch v.Type {
	case gjson.Number:
		return normalizeConfidence(v.Float(), false)
	case gjson.String:
		return confidenceText(v.String())
	}
	return nil
}

func confidenceText(s string) *float64 {
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return normalizeConfidence(f, pct)
}

// normalizeConfidence maps a 0-1 fraction or a 0-100 percentage onto [0, 1].
func normalizeConfidence(f float64, pct bool) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if pct || (f > 1 && f <= 100) {
		f /= 100
	}
	f = math.Max(0, math.Min(1, f))
	return &f
}
