package experiment

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// PromptFile is the on-disk form of a prompt version.
//
//	tag: v3
//	system: |
//	  You review death investigation narratives...
//	template: |
//	  Narrative ({{.NarrativeType}}): {{.Narrative}}
type PromptFile struct {
	Tag      string `yaml:"tag"`
	System   string `yaml:"system"`
	Template string `yaml:"template"`
}

// LoadPromptFile reads and checks a prompt definition.
func LoadPromptFile(path string) (*PromptFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "experiment: read prompt file %s", path)
	}
	var pf PromptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, eris.Wrapf(err, "experiment: parse prompt file %s", path)
	}
	if strings.TrimSpace(pf.Template) == "" {
		return nil, eris.Errorf("experiment: prompt file %s has no template", path)
	}
	return &pf, nil
}
