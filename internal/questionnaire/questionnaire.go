// Package questionnaire answers a vendor security questionnaire from a
// processed evidence document. Every answer carries a confidence, a
// citation into the document and a confidence bucket.
package questionnaire

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// QuestionType controls how an answer is validated.
type QuestionType string

const (
	TypeBoolean     QuestionType = "boolean"
	TypeSelect      QuestionType = "select"
	TypeMultiSelect QuestionType = "multiselect"
	TypeText        QuestionType = "text"
)

// Question is one questionnaire item. Select and multiselect questions
// list the only values an answer may use.
type Question struct {
	ID       string       `yaml:"id" json:"id"`
	Text     string       `yaml:"question" json:"question"`
	Type     QuestionType `yaml:"type" json:"type"`
	HelpText string       `yaml:"help_text,omitempty" json:"help_text,omitempty"`
	Options  []string     `yaml:"options,omitempty" json:"options,omitempty"`
}

// Set is a versioned list of questions.
type Set struct {
	Name      string     `yaml:"name" json:"name"`
	Version   string     `yaml:"version" json:"version"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// LoadSet reads and validates a question set from YAML.
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "questionnaire: read %s", path)
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrapf(err, "questionnaire: parse %s", path)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that question IDs are unique, types are known and
// choice questions have options.
func (s *Set) Validate() error {
	if len(s.Questions) == 0 {
		return eris.Errorf("questionnaire: set %q has no questions", s.Name)
	}
	seen := make(map[string]bool, len(s.Questions))
	for i, q := range s.Questions {
		if strings.TrimSpace(q.ID) == "" {
			return eris.Errorf("questionnaire: question %d has no id", i+1)
		}
		if seen[q.ID] {
			return eris.Errorf("questionnaire: duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Text) == "" {
			return eris.Errorf("questionnaire: question %q has no text", q.ID)
		}
		switch q.Type {
		case TypeBoolean, TypeText:
		case TypeSelect, TypeMultiSelect:
			if len(q.Options) == 0 {
				return eris.Errorf("questionnaire: %s question %q has no options", q.Type, q.ID)
			}
		default:
			return eris.Errorf("questionnaire: question %q has unknown type %q", q.ID, q.Type)
		}
	}
	return nil
}

// Question returns the question with id.
func (s *Set) Question(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
