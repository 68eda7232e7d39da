package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRequirement is returned when the submitted text has no content.
var ErrEmptyRequirement = errors.New("requirement text is empty")

// Requirement is the structured form of a submitted requirement.
type Requirement struct {
	Text        string
	Summary     string
	ProjectType string
	Features    []string
	Constraints []string
	TechStack   map[string]string
}

// Parse derives a Requirement from free text with keyword matching. It is
// deterministic so the reference server behaves the same on every run.
func Parse(text string) (Requirement, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Requirement{}, ErrEmptyRequirement
	}
	lower := strings.ToLower(text)

	projectType := "api"
	features := []string{"Core module", "Data processing", "Configuration", "Logging", "Error handling"}
	switch {
	case containsAny(lower, "api", "backend", "service"):
		features = []string{"REST endpoints", "Authentication", "Input validation", "Error handling", "API documentation"}
	case containsAny(lower, "web", "site", "page"):
		projectType = "web"
		features = []string{"Responsive UI", "Sign up and login", "Data views", "Form validation", "State management"}
	case containsAny(lower, "cli", "command line", "terminal"):
		projectType = "cli"
		features = []string{"Argument parsing", "Interactive prompts", "Config file support", "Colored output", "Help text"}
	}
	if containsAny(lower, "todo", "task") {
		features = []string{"Create items", "List items", "Update item status", "Delete items", "Tags and categories"}
	}

	frontend := "none"
	if projectType == "web" {
		frontend = "react"
	}

	return Requirement{
		Text:        text,
		Summary:     fmt.Sprintf("Detected a %s project", projectType),
		ProjectType: projectType,
		Features:    features,
		Constraints: []string{"Written in Go", "Ships as a container image"},
		TechStack: map[string]string{
			"runtime":  "go",
			"backend":  "chi",
			"frontend": frontend,
			"database": "sqlite",
		},
	}, nil
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
