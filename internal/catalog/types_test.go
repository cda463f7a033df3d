package catalog

import (
	"errors"
	"testing"
)

func TestModuleValidate_Variants(t *testing.T) {
	tests := []struct {
		name    string
		module  Module
		wantErr bool
	}{
		{"text with body", Module{ID: "a", ContentType: ContentText, Body: "hi"}, false},
		{"text without body", Module{ID: "a", ContentType: ContentText}, true},
		{"video with url", Module{ID: "a", ContentType: ContentVideo, ContentURL: "https://x/v.mp4"}, false},
		{"audio without url", Module{ID: "a", ContentType: ContentAudio}, true},
		{"document without url", Module{ID: "a", ContentType: ContentDocument}, true},
		{"interactive with url", Module{ID: "a", ContentType: ContentInteractive, ContentURL: "https://x/app"}, false},
		{"external link", Module{ID: "a", ContentType: ContentExternalLink, URL: "https://x"}, false},
		{"external link without url", Module{ID: "a", ContentType: ContentExternalLink}, true},
		{"quiz with quiz id", Module{ID: "a", ContentType: ContentQuiz, QuizID: "q"}, false},
		{"assessment without quiz id", Module{ID: "a", ContentType: ContentAssessment}, true},
		{"gated video", Module{ID: "a", ContentType: ContentVideo, ContentURL: "u", QuizID: "q"}, false},
		{"unknown variant", Module{ID: "a", ContentType: "HOLOGRAM"}, true},
		{"missing id", Module{ContentType: ContentText, Body: "hi"}, true},
		{"negative points", Module{ID: "a", ContentType: ContentText, Body: "hi", CompletionPoints: -1}, true},
		{"self prerequisite left to the graph check", Module{ID: "a", ContentType: ContentText, Body: "hi", Prerequisites: []string{"a"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.module.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidModule) {
				t.Errorf("error should wrap ErrInvalidModule, got %v", err)
			}
		})
	}
}

func TestContentType_Valid(t *testing.T) {
	for _, c := range AllContentTypes() {
		if !c.Valid() {
			t.Errorf("%s.Valid() = false", c)
		}
	}
	if ContentType("text").Valid() {
		t.Error("lowercase variant should not be valid")
	}
}

func TestQuestion_Weight(t *testing.T) {
	if w := (Question{}).Weight(); w != 1 {
		t.Errorf("unweighted Weight() = %d, want 1", w)
	}
	if w := (Question{Points: 4}).Weight(); w != 4 {
		t.Errorf("Weight() = %d, want 4", w)
	}
}
