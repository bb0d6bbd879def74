package service

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/liliang-cn/guideflow/internal/domain"
	"go.uber.org/zap"
)

// AmplifierKind names a marketing copy generator
type AmplifierKind string

// Amplifier kinds
const (
	AmplifyHeadline AmplifierKind = "headline"
	AmplifyEmail    AmplifierKind = "email"
	AmplifySocial   AmplifierKind = "social"
	AmplifyBio      AmplifierKind = "bio"
)

// QA is one question with its final answer
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// SectionOutput is an approved section
type SectionOutput struct {
	Title string `json:"title"`
	Items []QA   `json:"items"`
}

// AmplifierInput is everything a finished session produced
type AmplifierInput struct {
	Name       string          `json:"name"`
	Flow       string          `json:"flow"`
	Title      string          `json:"title"`
	Answers    []QA            `json:"answers,omitempty"`
	Sections   []SectionOutput `json:"sections,omitempty"`
	Highlights []string        `json:"highlights"`
}

// AmplifierResult is generated copy
type AmplifierResult struct {
	Kind    AmplifierKind `json:"kind"`
	Content string        `json:"content"`
}

var amplifierTemplates = map[AmplifierKind]string{
	AmplifyHeadline: `{{.Name}}{{with first .Highlights}}: {{sentence .}}{{end}}`,
	AmplifyEmail: `Subject: A note from {{.Name}}

Hi there,

{{range .Highlights}}{{sentence .}}
{{end}}
{{- range .Sections}}
{{.Title}}
{{range .Items}}- {{.Answer}}
{{end}}{{end}}
Best,
{{.Name}}`,
	AmplifySocial: `{{range $i, $h := .Highlights}}{{if lt $i 3}}{{sentence $h}} {{end}}{{end}}#{{tag .Title}}`,
	AmplifyBio: `{{.Name}}.{{range .Answers}} {{sentence .Answer}}{{end}}`,
}

// AmplifierService renders marketing copy from a complete session
type AmplifierService struct {
	templates map[AmplifierKind]*template.Template
	logger    *zap.Logger
}

// NewAmplifierService parses the built-in templates
func NewAmplifierService(logger *zap.Logger) (*AmplifierService, error) {
	funcs := template.FuncMap{
		"first": func(items []string) string {
			if len(items) == 0 {
				return ""
			}
			return items[0]
		},
		"sentence": firstSentence,
		"tag": func(s string) string {
			return strings.Join(strings.Fields(s), "")
		},
	}
	s := &AmplifierService{templates: make(map[AmplifierKind]*template.Template), logger: logger}
	for kind, text := range amplifierTemplates {
		t, err := template.New(string(kind)).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", kind, err)
		}
		s.templates[kind] = t
	}
	return s, nil
}

// Kinds lists the available generators
func (s *AmplifierService) Kinds() []AmplifierKind {
	out := make([]AmplifierKind, 0, len(s.templates))
	for k := range s.templates {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Generate renders kind for the session behind c
func (s *AmplifierService) Generate(c *Controller, kind AmplifierKind) (*AmplifierResult, error) {
	t, ok := s.templates[kind]
	if !ok {
		return nil, fmt.Errorf("amplifier %q: %w", kind, domain.ErrNotFound)
	}
	input, err := c.AmplifierInput()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, input); err != nil {
		return nil, fmt.Errorf("render %s: %w", kind, err)
	}
	s.logger.Debug("Generated copy", zap.String("kind", string(kind)), zap.String("session_id", c.ID()))
	return &AmplifierResult{Kind: kind, Content: strings.TrimSpace(buf.String())}, nil
}

// AmplifierInput collects the outputs of a complete session
func (c *Controller) AmplifierInput() (*AmplifierInput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stage := c.machine.Current(); stage != domain.StageComplete {
		return nil, fmt.Errorf("session in %s: %w", stage, domain.ErrNotComplete)
	}

	in := &AmplifierInput{
		Name:  c.session.UserName,
		Flow:  c.def.Name,
		Title: c.def.Title,
	}
	for _, a := range c.session.Answers {
		q, _ := c.def.Question(a.Index)
		in.Answers = append(in.Answers, QA{Question: q.Text, Answer: a.Text})
		in.Highlights = append(in.Highlights, a.Text)
	}
	for _, sec := range c.sortedSectionsLocked() {
		out := SectionOutput{Title: sec.Title}
		for _, q := range sec.Questions {
			answer := strings.TrimSpace(q.EffectiveAnswer())
			if answer == "" {
				continue
			}
			out.Items = append(out.Items, QA{Question: q.QuestionText, Answer: answer})
		}
		if len(out.Items) > 0 {
			in.Highlights = append(in.Highlights, out.Items[0].Answer)
		}
		in.Sections = append(in.Sections, out)
	}
	return in, nil
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for i, r := range s {
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(s) || s[i+1] == ' ' || s[i+1] == '\n') {
			return s[:i+1]
		}
	}
	if s != "" && !strings.ContainsAny(s[len(s)-1:], ".!?") {
		s += "."
	}
	return s
}
