package model

import (
	"time"
)

// ParseStatus records how a ParsedResult was obtained.
type ParseStatus string

const (
	ParseOK           ParseStatus = "ok"
	ParseRecovered    ParseStatus = "recovered"
	ParseFailed       ParseStatus = "failed"
	ParseSkippedEmpty ParseStatus = "skipped_empty"
	ParseError        ParseStatus = "error"
)

// Valid reports whether s is a known status.
func (s ParseStatus) Valid() bool {
	switch s {
	case ParseOK, ParseRecovered, ParseFailed, ParseSkippedEmpty, ParseError:
		return true
	}
	return false
}

// Indicator names as they appear in model output and in the indicators column.
const (
	IndicatorPartner    = "current_or_former_partner"
	IndicatorPriorAbuse = "prior_abuse"
	IndicatorProtective = "protective_order"
	IndicatorSeparation = "separation"
	IndicatorJealousy   = "jealousy_or_control"
	IndicatorThreats    = "threats"
	IndicatorWeapon     = "weapon_involved"
	IndicatorSubstance  = "substance_use"
)

// IndicatorNames lists every indicator slot in a stable order.
var IndicatorNames = []string{
	IndicatorPartner,
	IndicatorPriorAbuse,
	IndicatorProtective,
	IndicatorSeparation,
	IndicatorJealousy,
	IndicatorThreats,
	IndicatorWeapon,
	IndicatorSubstance,
}

// Indicators holds the secondary IPV risk signals a model may report.
// Slots the model did not mention stay Unknown.
type Indicators struct {
	CurrentOrFormerPartner Tristate `json:"current_or_former_partner"`
	PriorAbuse             Tristate `json:"prior_abuse"`
	ProtectiveOrder        Tristate `json:"protective_order"`
	Separation             Tristate `json:"separation"`
	JealousyOrControl      Tristate `json:"jealousy_or_control"`
	Threats                Tristate `json:"threats"`
	WeaponInvolved         Tristate `json:"weapon_involved"`
	SubstanceUse           Tristate `json:"substance_use"`
}

func (in *Indicators) slot(name string) *Tristate {
	switch name {
	case IndicatorPartner:
		return &in.CurrentOrFormerPartner
	case IndicatorPriorAbuse:
		return &in.PriorAbuse
	case IndicatorProtective:
		return &in.ProtectiveOrder
	case IndicatorSeparation:
		return &in.Separation
	case IndicatorJealousy:
		return &in.JealousyOrControl
	case IndicatorThreats:
		return &in.Threats
	case IndicatorWeapon:
		return &in.WeaponInvolved
	case IndicatorSubstance:
		return &in.SubstanceUse
	}
	return nil
}

// Set assigns the named slot. It returns false for an unknown name.
func (in *Indicators) Set(name string, v Tristate) bool {
	p := in.slot(name)
	if p == nil {
		return false
	}
	*p = v
	return true
}

// Get returns the named slot, or Unknown for an unknown name.
func (in Indicators) Get(name string) Tristate {
	if p := in.slot(name); p != nil {
		return *p
	}
	return Unknown
}

// Usage is the token accounting of one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// InvocationRequest is what gets sent to the model for one narrative.
type InvocationRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

// ModelInvocation is the record of one classification call, including all
// of its retries. Err is empty on success.
type ModelInvocation struct {
	Request     InvocationRequest `json:"request"`
	ResponseRaw string            `json:"response_raw"`
	Err         string            `json:"error,omitempty"`
	Transient   bool              `json:"transient,omitempty"`
	Attempts    int               `json:"attempts"`
	Latency     time.Duration     `json:"latency"`
	Usage       Usage             `json:"usage"`
	Estimated   bool              `json:"estimated"`
}

// Failed reports whether the invocation ended without a response.
func (m ModelInvocation) Failed() bool { return m.Err != "" }

// ParsedResult is the structured reading of one model response.
// Detected Unknown with a nil Confidence means the response could not be
// understood; it never means "not detected".
type ParsedResult struct {
	Detected   Tristate    `json:"detected"`
	Confidence *float64    `json:"confidence,omitempty"`
	Rationale  string      `json:"rationale,omitempty"`
	Indicators Indicators  `json:"indicators"`
	Status     ParseStatus `json:"status"`
	Stage      int         `json:"stage"`
	Raw        string      `json:"raw,omitempty"`
}

// Usable reports whether the result carries a detection answer.
func (p *ParsedResult) Usable() bool {
	return p != nil && p.Detected.Known()
}

// ConfidenceOr returns the confidence or def when it is absent.
func (p *ParsedResult) ConfidenceOr(def float64) float64 {
	if p == nil || p.Confidence == nil {
		return def
	}
	return *p.Confidence
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// NarrativeResult is one persisted classification row.
type NarrativeResult struct {
	ID               int64         `json:"id,omitempty"`
	ExperimentID     string        `json:"experiment_id"`
	CaseID           string        `json:"case_id"`
	NarrativeType    NarrativeType `json:"narrative_type"`
	Detected         Tristate      `json:"detected"`
	Confidence       *float64      `json:"confidence,omitempty"`
	Indicators       Indicators    `json:"indicators"`
	Rationale        string        `json:"rationale,omitempty"`
	ParseStatus      ParseStatus   `json:"parse_status"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	LatencyMS        int64         `json:"latency_ms"`
	RawResponse      string        `json:"raw_response,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Key returns the row identity within its experiment.
func (r NarrativeResult) Key() ResultKey {
	return ResultKey{CaseID: r.CaseID, Type: r.NarrativeType}
}

// Parsed returns the row's parsed view for reconciliation.
func (r NarrativeResult) Parsed() *ParsedResult {
	return &ParsedResult{
		Detected:   r.Detected,
		Confidence: r.Confidence,
		Rationale:  r.Rationale,
		Indicators: r.Indicators,
		Status:     r.ParseStatus,
		Raw:        r.RawResponse,
	}
}

// NewNarrativeResult assembles the row persisted for one narrative.
func NewNarrativeResult(experimentID string, n Narrative, inv ModelInvocation, p ParsedResult) NarrativeResult {
	return NarrativeResult{
		ExperimentID:     experimentID,
		CaseID:           n.CaseID,
		NarrativeType:    n.Type,
		Detected:         p.Detected,
		Confidence:       p.Confidence,
		Indicators:       p.Indicators,
		Rationale:        p.Rationale,
		ParseStatus:      p.Status,
		PromptTokens:     inv.Usage.PromptTokens,
		CompletionTokens: inv.Usage.CompletionTokens,
		TotalTokens:      inv.Usage.TotalTokens,
		LatencyMS:        inv.Latency.Milliseconds(),
		RawResponse:      p.Raw,
		ErrorMessage:     inv.Err,
	}
}

// VerdictBasis explains how a CaseVerdict was reached.
type VerdictBasis string

const (
	BasisSingle   VerdictBasis = "single"
	BasisAgree    VerdictBasis = "agree"
	BasisDisagree VerdictBasis = "disagree"
	BasisNone     VerdictBasis = "none"
)

// CaseVerdict is the reconciled per-case outcome. It is always derived from
// the case's NarrativeResults and never stored.
type CaseVerdict struct {
	CaseID          string       `json:"case_id"`
	FinalDetected   Tristate     `json:"final_detected"`
	FinalConfidence *float64     `json:"final_confidence,omitempty"`
	Conflict        bool         `json:"conflict"`
	Sources         int          `json:"sources"`
	Basis           VerdictBasis `json:"basis"`
}

// StoreOutcome is the per-record result of a batch insert.
type StoreOutcome string

const (
	OutcomeInserted  StoreOutcome = "inserted"
	OutcomeDuplicate StoreOutcome = "duplicate"
	OutcomeError     StoreOutcome = "error"
)
