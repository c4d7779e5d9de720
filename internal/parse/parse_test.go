package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipv-detect/internal/model"
)

func TestParse_Strict(t *testing.T) {
	t.Parallel()

	raw := `{"detected": true, "confidence": 0.85, "rationale": "Ex-boyfriend shot victim.",
		"indicators": {"current_or_former_partner": "yes", "weapon_involved": true, "separation": false}}`
	res := Parse(raw)

	assert.Equal(t, model.ParseOK, res.Status)
	assert.Equal(t, StageStrict, res.Stage)
	assert.Equal(t, model.Yes, res.Detected)
	require.NotNil(t, res.Confidence)
	assert.InDelta(t, 0.85, *res.Confidence, 1e-9)
	assert.Equal(t, "Ex-boyfriend shot victim.", res.Rationale)
	assert.Equal(t, model.Yes, res.Indicators.CurrentOrFormerPartner)
	assert.Equal(t, model.Yes, res.Indicators.WeaponInvolved)
	assert.Equal(t, model.No, res.Indicators.Separation)
	assert.Equal(t, model.Unknown, res.Indicators.Threats)
	assert.Equal(t, raw, res.Raw)
}

func TestParse_Stages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		status     model.ParseStatus
		stage      int
		detected   model.Tristate
		confidence *float64
	}{
		{
			name:       "key aliases and case",
			raw:        `{"IPV_Detected": "No", "Confidence_Score": "90%"}`,
			status:     model.ParseOK,
			stage:      StageStrict,
			detected:   model.No,
			confidence: model.Float(0.9),
		},
		{
			name:       "nested answer",
			raw:        `{"classification": {"detected": 1, "confidence": 70}}`,
			status:     model.ParseOK,
			stage:      StageStrict,
			detected:   model.Yes,
			confidence: model.Float(0.7),
		},
		{
			name:       "json fence with language tag",
			raw:        "```json\n{\"detected\": false, \"confidence\": 0.2}\n```",
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.No,
			confidence: model.Float(0.2),
		},
		{
			name:       "bare fence",
			raw:        "```\n{\"detected\": \"detected\"}\n```",
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.Yes,
			confidence: nil,
		},
		{
			name:       "leading and trailing commentary",
			raw:        "Sure! Here is my analysis:\n{\"detected\": true, \"confidence\": 0.6}\nLet me know if you need more.",
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.Yes,
			confidence: model.Float(0.6),
		},
		{
			name:       "trailing comma",
			raw:        `{"detected": true, "confidence": 0.55,}`,
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.Yes,
			confidence: model.Float(0.55),
		},
		{
			name:       "python dict",
			raw:        `{'detected': True, 'confidence': 0.8, 'rationale': None}`,
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.Yes,
			confidence: model.Float(0.8),
		},
		{
			name:       "unterminated fence",
			raw:        "```json\n{\"detected\": false}",
			status:     model.ParseRecovered,
			stage:      StageCleaned,
			detected:   model.No,
			confidence: nil,
		},
		{
			name:       "truncated json falls to regex",
			raw:        `{"detected": true, "confidence": 0.75, "rationale": "The narrative descri`,
			status:     model.ParseRecovered,
			stage:      StageRegex,
			detected:   model.Yes,
			confidence: model.Float(0.75),
		},
		{
			name:       "prose key values",
			raw:        "Detected: not detected\nConfidence: 15%",
			status:     model.ParseRecovered,
			stage:      StageRegex,
			detected:   model.No,
			confidence: model.Float(0.15),
		},
		{
			name:       "confidence only",
			raw:        "confidence = 0.4 (no clear statement)",
			status:     model.ParseRecovered,
			stage:      StageRegex,
			detected:   model.Unknown,
			confidence: model.Float(0.4),
		},
		{
			name:   "unrecoverable",
			raw:    "I cannot help with that request.",
			status: model.ParseFailed,
		},
		{
			name:   "valid json without answer",
			raw:    `{"summary": "victim found at home"}`,
			status: model.ParseFailed,
		},
		{
			name:   "empty",
			raw:    "",
			status: model.ParseFailed,
		},
		{
			name:   "unrecognized detected value stays unknown",
			raw:    `{"detected": "maybe"}`,
			status: model.ParseFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Parse(tt.raw)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.stage, res.Stage)
			assert.Equal(t, tt.detected, res.Detected)
			if tt.confidence == nil {
				assert.Nil(t, res.Confidence)
			} else {
				require.NotNil(t, res.Confidence)
				assert.InDelta(t, *tt.confidence, *res.Confidence, 1e-9)
			}
			assert.Equal(t, tt.raw, res.Raw)
		})
	}
}

func TestParse_FailedIsNeverNo(t *testing.T) {
	t.Parallel()

	res := Parse("The model timed out producing output")
	assert.Equal(t, model.ParseFailed, res.Status)
	assert.Equal(t, model.Unknown, res.Detected)
	assert.Nil(t, res.Confidence)
	assert.False(t, res.Usable())
}

func TestParse_ConfidenceClamped(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]float64{
		`{"detected": true, "confidence": 1.0}`:   1,
		`{"detected": true, "confidence": 250}`:   1,
		`{"detected": true, "confidence": -0.3}`:  0,
		`{"detected": true, "confidence": "45%"}`: 0.45,
		`{"detected": true, "confidence": 80}`:    0.8,
	} {
		res := Parse(raw)
		require.NotNil(t, res.Confidence, raw)
		assert.InDelta(t, want, *res.Confidence, 1e-9, raw)
	}

	res := Parse(`{"detected": true, "confidence": "high"}`)
	assert.Equal(t, model.ParseOK, res.Status)
	assert.Nil(t, res.Confidence)
}

// Wrapping an already-parseable answer in more noise may lower the stage but
// never loses the fields.
func TestParse_Monotonic(t *testing.T) {
	t.Parallel()

	body := `{"detected": true, "confidence": 0.8, "threats": "yes"}`
	variants := []string{
		body,
		"```json\n" + body + "\n```",
		"Analysis follows.\n```json\n" + body + "\n```\nDone.",
	}

	prevStage := 0
	for _, raw := range variants {
		res := Parse(raw)
		assert.True(t, res.Usable(), raw)
		assert.Equal(t, model.Yes, res.Detected, raw)
		require.NotNil(t, res.Confidence, raw)
		assert.InDelta(t, 0.8, *res.Confidence, 1e-9)
		assert.Equal(t, model.Yes, res.Indicators.Threats, raw)
		assert.GreaterOrEqual(t, res.Stage, prevStage)
		prevStage = res.Stage
	}
}

func TestParse_RegexIndicatorsAndRationale(t *testing.T) {
	t.Parallel()

	raw := `detected: yes, confidence: 0.9, rationale: "Husband \"threatened\" her", prior_abuse: true, substance_use: no, threats: unclear`
	res := Parse(raw)
	assert.Equal(t, StageRegex, res.Stage)
	assert.Equal(t, `Husband "threatened" her`, res.Rationale)
	assert.Equal(t, model.Yes, res.Indicators.PriorAbuse)
	assert.Equal(t, model.No, res.Indicators.SubstanceUse)
	assert.Equal(t, model.Unknown, res.Indicators.Threats)
}

func TestParse_RegexIgnoresLongerKeys(t *testing.T) {
	t.Parallel()

	res := Parse("Assessment: detected: yes, risk_score: 7 (scale 1-10)")
	assert.Equal(t, model.ParseRecovered, res.Status)
	assert.Equal(t, StageRegex, res.Stage)
	assert.Equal(t, model.Yes, res.Detected)
	assert.Nil(t, res.Confidence)

	res = Parse("not_ipv: yes, no_threats: true, ipv: no, my_reason: \"unrelated\"")
	assert.Equal(t, StageRegex, res.Stage)
	assert.Equal(t, model.No, res.Detected)
	assert.Nil(t, res.Confidence)
	assert.Equal(t, model.Unknown, res.Indicators.Threats)
	assert.Empty(t, res.Rationale)

	res = Parse("overall_confidence: 0.9")
	assert.Equal(t, model.ParseFailed, res.Status)
	assert.Nil(t, res.Confidence)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	failed := Classify(model.ModelInvocation{Err: "status 401"})
	assert.Equal(t, model.ParseError, failed.Status)
	assert.Equal(t, model.Unknown, failed.Detected)

	okRes := Classify(model.ModelInvocation{ResponseRaw: `{"detected": false, "confidence": 0.1}`})
	assert.Equal(t, model.ParseOK, okRes.Status)
	assert.Equal(t, model.No, okRes.Detected)

	skipped := SkippedEmpty()
	assert.Equal(t, model.ParseSkippedEmpty, skipped.Status)
	assert.False(t, skipped.Usable())
}

func TestClean(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a": 1}`, clean("```json\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": [1, 2]}`, clean(`noise {"a": [1, 2,],} noise`))
	assert.Equal(t, "", clean("no braces here"))
}
