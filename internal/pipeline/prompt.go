package pipeline

import (
	"strings"
	"text/template"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipv-detect/internal/model"
)

// Prompt renders the user message of a prompt version for one narrative.
type Prompt struct {
	VersionID string
	System    string
	tmpl      *template.Template
}

// promptData is the template context. Templates reference {{.Narrative}},
// {{.CaseID}} and {{.NarrativeType}}.
type promptData struct {
	Narrative     string
	CaseID        string
	NarrativeType string
}

// NewPrompt compiles a prompt version's user template.
func NewPrompt(p *model.PromptVersion) (*Prompt, error) {
	tmpl, err := template.New(p.ID).Option("missingkey=error").Parse(p.UserTemplate)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse user template of prompt %s", p.ID)
	}
	return &Prompt{VersionID: p.ID, System: p.SystemPrompt, tmpl: tmpl}, nil
}

// Render produces the user message for n.
func (p *Prompt) Render(n model.Narrative) (string, error) {
	var b strings.Builder
	err := p.tmpl.Execute(&b, promptData{
		Narrative:     n.Text,
		CaseID:        n.CaseID,
		NarrativeType: string(n.Type),
	})
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: render prompt for %s/%s", n.CaseID, n.Type)
	}
	return b.String(), nil
}
