package model

import (
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// NarrativeType identifies which investigative source wrote a narrative.
type NarrativeType string

const (
	// Primary is the law-enforcement narrative.
	Primary NarrativeType = "primary"
	// Secondary is the coroner / medical-examiner narrative.
	Secondary NarrativeType = "secondary"
)

// NarrativeTypes lists the valid types in reconciliation order.
var NarrativeTypes = []NarrativeType{Primary, Secondary}

var narrativeAliases = map[string]NarrativeType{
	"primary":          Primary,
	"le":               Primary,
	"law_enforcement":  Primary,
	"secondary":        Secondary,
	"cme":              Secondary,
	"me":               Secondary,
	"medical_examiner": Secondary,
	"coroner":          Secondary,
}

// ParseNarrativeType resolves a type name or one of its aliases.
func ParseNarrativeType(s string) (NarrativeType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	if t, ok := narrativeAliases[key]; ok {
		return t, nil
	}
	return "", eris.Errorf("model: unknown narrative type %q", s)
}

// Valid reports whether t is one of the known types.
func (t NarrativeType) Valid() bool { return t == Primary || t == Secondary }

// Narrative is a single free-text account of one case from one source.
type Narrative struct {
	CaseID string        `json:"case_id"`
	Type   NarrativeType `json:"narrative_type"`
	Text   string        `json:"text"`
}

// Key returns the narrative identity.
func (n Narrative) Key() ResultKey {
	return ResultKey{CaseID: n.CaseID, Type: n.Type}
}

var placeholderText = map[string]bool{
	"na":   true,
	"n/a":  true,
	"null": true,
	"none": true,
	"nan":  true,
	"-":    true,
	".":    true,
}

// IsEmpty reports whether the narrative has nothing worth classifying:
// blank text, a placeholder such as "N/A", or fewer than minLen characters.
func (n Narrative) IsEmpty(minLen int) bool {
	text := strings.TrimSpace(n.Text)
	if text == "" {
		return true
	}
	if placeholderText[strings.ToLower(text)] {
		return true
	}
	return utf8.RuneCountInString(text) < minLen
}

// ResultKey identifies one persisted result within an experiment.
type ResultKey struct {
	CaseID string
	Type   NarrativeType
}
