// Package catalog holds learning path definitions: paths, their ordered
// modules and the quizzes that gate them. Definitions are validated once at
// the authoring boundary and are read-only afterwards.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a path, module or quiz does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidModule is returned when a module definition is malformed.
	ErrInvalidModule = errors.New("invalid module")
)

// ContentType is the closed set of module content variants.
type ContentType string

const (
	ContentText         ContentType = "TEXT"
	ContentVideo        ContentType = "VIDEO"
	ContentAudio        ContentType = "AUDIO"
	ContentDocument     ContentType = "DOCUMENT"
	ContentInteractive  ContentType = "INTERACTIVE"
	ContentQuiz         ContentType = "QUIZ"
	ContentAssessment   ContentType = "ASSESSMENT"
	ContentExternalLink ContentType = "EXTERNAL_LINK"
)

// AllContentTypes returns every content variant.
func AllContentTypes() []ContentType {
	return []ContentType{
		ContentText, ContentVideo, ContentAudio, ContentDocument,
		ContentInteractive, ContentQuiz, ContentAssessment, ContentExternalLink,
	}
}

// Valid reports whether c is one of the known variants.
func (c ContentType) Valid() bool {
	for _, v := range AllContentTypes() {
		if c == v {
			return true
		}
	}
	return false
}

// Module is an atomic unit of content within a path.
type Module struct {
	ID               string      `yaml:"id" json:"id"`
	PathID           string      `yaml:"-" json:"path_id"`
	OrderIndex       int         `yaml:"order_index" json:"order_index"`
	Title            string      `yaml:"title" json:"title"`
	ContentType      ContentType `yaml:"content_type" json:"content_type"`
	Body             string      `yaml:"body,omitempty" json:"body,omitempty"`
	ContentURL       string      `yaml:"content_url,omitempty" json:"content_url,omitempty"`
	URL              string      `yaml:"url,omitempty" json:"url,omitempty"`
	Prerequisites    []string    `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	CompletionPoints int         `yaml:"completion_points" json:"completion_points"`
	QuizID           string      `yaml:"quiz_id,omitempty" json:"quiz_id,omitempty"`
}

// QuizGated reports whether a passed quiz attempt is required for completion.
func (m Module) QuizGated() bool {
	return m.QuizID != ""
}

// Validate checks the per-variant required fields.
func (m Module) Validate() error {
	var errs []string

	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, "id is required")
	}
	if m.CompletionPoints < 0 {
		errs = append(errs, fmt.Sprintf("completion_points must be >= 0, got %d", m.CompletionPoints))
	}

	switch m.ContentType {
	case ContentText:
		if m.Body == "" {
			errs = append(errs, "TEXT module requires body")
		}
	case ContentVideo, ContentAudio, ContentDocument, ContentInteractive:
		if m.ContentURL == "" {
			errs = append(errs, fmt.Sprintf("%s module requires content_url", m.ContentType))
		}
	case ContentExternalLink:
		if m.URL == "" {
			errs = append(errs, "EXTERNAL_LINK module requires url")
		}
	case ContentQuiz, ContentAssessment:
		if m.QuizID == "" {
			errs = append(errs, fmt.Sprintf("%s module requires quiz_id", m.ContentType))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown content_type %q", m.ContentType))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidModule, m.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Question is one multiple-choice question with a single correct option.
type Question struct {
	Text          string   `yaml:"text" json:"text"`
	Options       []string `yaml:"options" json:"options"`
	CorrectOption int      `yaml:"correct_option" json:"-"`
	Points        int      `yaml:"points,omitempty" json:"points,omitempty"`
}

// Weight returns the question's point value; unweighted questions count 1.
func (q Question) Weight() int {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// Quiz is an answer key with a passing threshold.
type Quiz struct {
	ID                  string     `yaml:"id" json:"id"`
	ModuleID            string     `yaml:"module_id" json:"module_id"`
	Questions           []Question `yaml:"questions" json:"questions"`
	PassingScorePercent int        `yaml:"passing_score_percent" json:"passing_score_percent"`
}

// Validate checks the answer key is internally consistent.
func (q Quiz) Validate() error {
	var errs []string
	if q.ID == "" {
		errs = append(errs, "id is required")
	}
	if len(q.Questions) == 0 {
		errs = append(errs, "at least one question is required")
	}
	if q.PassingScorePercent < 0 || q.PassingScorePercent > 100 {
		errs = append(errs, fmt.Sprintf("passing_score_percent must be 0-100, got %d", q.PassingScorePercent))
	}
	for i, question := range q.Questions {
		if len(question.Options) < 2 {
			errs = append(errs, fmt.Sprintf("question %d needs at least two options", i))
		}
		if question.CorrectOption < 0 || question.CorrectOption >= len(question.Options) {
			errs = append(errs, fmt.Sprintf("question %d correct_option %d out of range", i, question.CorrectOption))
		}
		if question.Points < 0 {
			errs = append(errs, fmt.Sprintf("question %d points must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("quiz %q: %s", q.ID, strings.Join(errs, "; "))
	}
	return nil
}

// TotalPoints sums the weight of every question.
func (q Quiz) TotalPoints() int {
	total := 0
	for _, question := range q.Questions {
		total += question.Weight()
	}
	return total
}

// Path is an ordered collection of modules.
type Path struct {
	ID      string   `yaml:"id" json:"id"`
	Title   string   `yaml:"title" json:"title"`
	Modules []Module `yaml:"modules" json:"modules"`
	Quizzes []Quiz   `yaml:"quizzes,omitempty" json:"quizzes,omitempty"`
}

// Validate checks every module and quiz and the prerequisite graph.
func (p Path) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("path id is required")
	}
	if len(p.Modules) == 0 {
		return fmt.Errorf("path %q has no modules", p.ID)
	}

	quizzes := make(map[string]Quiz, len(p.Quizzes))
	for _, q := range p.Quizzes {
		if err := q.Validate(); err != nil {
			return fmt.Errorf("path %q: %w", p.ID, err)
		}
		if _, dup := quizzes[q.ID]; dup {
			return fmt.Errorf("path %q: duplicate quiz id %q", p.ID, q.ID)
		}
		quizzes[q.ID] = q
	}

	for _, m := range p.Modules {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("path %q: %w", p.ID, err)
		}
		if m.QuizID == "" {
			continue
		}
		q, ok := quizzes[m.QuizID]
		if !ok {
			return fmt.Errorf("path %q: %w %q: quiz %q not defined in path", p.ID, ErrInvalidModule, m.ID, m.QuizID)
		}
		if q.ModuleID != m.ID {
			return fmt.Errorf("path %q: quiz %q belongs to module %q, not %q", p.ID, q.ID, q.ModuleID, m.ID)
		}
	}

	if _, err := ValidateGraph(p); err != nil {
		return fmt.Errorf("path %q: %w", p.ID, err)
	}
	return nil
}
