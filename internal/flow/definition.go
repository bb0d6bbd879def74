// Package flow defines the guided flows and the stage machine they run on.
package flow

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/liliang-cn/guideflow/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed flows.yaml
var defaultFlows []byte

// QuestionDef is one main-loop question of a flow
type QuestionDef struct {
	ID       string   `yaml:"id" json:"id"`
	Text     string   `yaml:"text" json:"text"`
	Examples []string `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// Definition describes one guided flow
type Definition struct {
	Name       string         `yaml:"name" json:"name"`
	Title      string         `yaml:"title" json:"title"`
	Stages     []domain.Stage `yaml:"stages" json:"stages"`
	Sections   int            `yaml:"sections" json:"sections"`
	Welcome    string         `yaml:"welcome" json:"welcome"`
	Intro      string         `yaml:"intro" json:"intro"`
	Transition string         `yaml:"transition,omitempty" json:"transition,omitempty"`
	Complete   string         `yaml:"complete" json:"complete"`
	Questions  []QuestionDef  `yaml:"questions,omitempty" json:"questions,omitempty"`
}

type file struct {
	Flows []*Definition `yaml:"flows"`
}

// Registry holds flow definitions by name
type Registry struct {
	flows map[string]*Definition
}

// LoadRegistry parses the embedded flows and, when path is set, overlays the
// definitions found there by name.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{flows: make(map[string]*Definition)}
	if err := r.add(defaultFlows); err != nil {
		return nil, fmt.Errorf("load embedded flows: %w", err)
	}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}
	if err := r.add(data); err != nil {
		return nil, fmt.Errorf("load flows file %s: %w", path, err)
	}
	return r, nil
}

func (r *Registry) add(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}
	for _, def := range f.Flows {
		if err := def.Validate(); err != nil {
			return err
		}
		r.flows[strings.ToLower(def.Name)] = def
	}
	return nil
}

// Get returns the named flow
func (r *Registry) Get(name string) (*Definition, error) {
	def, ok := r.flows[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", name, domain.ErrNotFound)
	}
	return def, nil
}

// List returns all flows sorted by name
func (r *Registry) List() []*Definition {
	out := make([]*Definition, 0, len(r.flows))
	for _, d := range r.flows {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks the stage list is an ordered subset of the known stages
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("flow without name: %w", domain.ErrInvalidRequest)
	}
	if len(d.Stages) < 2 || d.Stages[0] != domain.StageWelcome || d.Stages[len(d.Stages)-1] != domain.StageComplete {
		return fmt.Errorf("flow %s: stages must run from welcome to complete: %w", d.Name, domain.ErrInvalidRequest)
	}
	last := -1
	for _, s := range d.Stages {
		pos := stageOrder(s)
		if pos < 0 {
			return fmt.Errorf("flow %s: unknown stage %q: %w", d.Name, s, domain.ErrInvalidRequest)
		}
		if pos <= last {
			return fmt.Errorf("flow %s: stage %q out of order: %w", d.Name, s, domain.ErrInvalidRequest)
		}
		last = pos
	}
	if d.Has(domain.StageMainLoop) && len(d.Questions) == 0 {
		return fmt.Errorf("flow %s: main loop without questions: %w", d.Name, domain.ErrInvalidRequest)
	}
	if d.Has(domain.StageGenerationLoop) && d.Sections <= 0 {
		return fmt.Errorf("flow %s: generation loop without sections: %w", d.Name, domain.ErrInvalidRequest)
	}
	return nil
}

// Has reports whether the flow visits stage
func (d *Definition) Has(stage domain.Stage) bool {
	for _, s := range d.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Next returns the stage that follows stage in this flow
func (d *Definition) Next(stage domain.Stage) (domain.Stage, bool) {
	for i, s := range d.Stages {
		if s == stage && i+1 < len(d.Stages) {
			return d.Stages[i+1], true
		}
	}
	return "", false
}

// Question returns the main-loop question at index
func (d *Definition) Question(index int) (QuestionDef, bool) {
	if index < 0 || index >= len(d.Questions) {
		return QuestionDef{}, false
	}
	return d.Questions[index], true
}

// IntroFor renders the intro text for a user
func (d *Definition) IntroFor(name string) string {
	return strings.TrimSpace(strings.ReplaceAll(d.Intro, "{{name}}", name))
}

var canonical = []domain.Stage{
	domain.StageWelcome,
	domain.StageNameCollection,
	domain.StageIntro,
	domain.StageMainLoop,
	domain.StageTransition,
	domain.StageGenerationLoop,
	domain.StageComplete,
}

func stageOrder(s domain.Stage) int {
	for i, c := range canonical {
		if c == s {
			return i
		}
	}
	return -1
}
