// Package specialist runs named, template-driven task handlers.
//
// A specialist is defined by a markdown file with YAML frontmatter:
//
//	---
//	name: author
//	description: Drafts and revises document sections
//	tools: [read, write]
//	max-iterations: 20
//	---
//	You are the author specialist. ...
//
// The body is the system prompt template. $task, $step, $session_dir and
// $active_files are substituted before each run.
package specialist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxIterations caps a specialist loop when its definition does not.
const DefaultMaxIterations = 20

// Definition describes one specialist.
type Definition struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Tools         []string `yaml:"tools,omitempty"`
	MaxIterations int      `yaml:"max-iterations,omitempty"`

	// From content
	Template string `yaml:"-"`

	// Location, empty for built-ins
	Path string `yaml:"-"`
}

// Iterations returns the loop cap for this specialist.
func (d *Definition) Iterations() int {
	if d.MaxIterations > 0 {
		return d.MaxIterations
	}
	return DefaultMaxIterations
}

// LoadFile loads a definition from a markdown file.
func LoadFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	def, err := Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	def.Path = path
	return def, nil
}

// Parse parses definition content.
func Parse(content string) (*Definition, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	def := &Definition{}
	if err := yaml.Unmarshal([]byte(frontmatter), def); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if def.Description == "" {
		return nil, fmt.Errorf("missing required field: description")
	}
	if err := validateName(def.Name); err != nil {
		return nil, err
	}
	if def.MaxIterations < 0 {
		return nil, fmt.Errorf("max-iterations must not be negative")
	}

	def.Template = strings.TrimSpace(body)
	if def.Template == "" {
		return nil, fmt.Errorf("empty prompt template")
	}
	return def, nil
}

// splitFrontmatter extracts YAML frontmatter from markdown.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}

// validateName checks a specialist name is lowercase letters, digits and single hyphens.
func validateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return fmt.Errorf("name cannot start or end with hyphen")
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("name cannot contain consecutive hyphens")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name can only contain lowercase letters, numbers, and hyphens")
		}
	}
	return nil
}

// Builtins returns the specialists available without any configuration.
func Builtins() []*Definition {
	return []*Definition{
		{
			Name:        "author",
			Description: "Drafts and revises sections of the specification document",
			Tools:       []string{"read", "write", "edit", "glob"},
			Template: `You are the author specialist of a document-authoring assistant.
The user asked: $task
Your step: $step

Work inside $session_dir. Files currently in play: $active_files

Write clear, well-structured prose for the specification. When a decision
depends on the user's preference (tone, audience, scope), call ask_user
instead of guessing. When the section is written, call complete with the
final text.`,
		},
		{
			Name:        "reviewer",
			Description: "Reviews drafted content for consistency, gaps and contradictions",
			Tools:       []string{"read", "glob", "grep"},
			Template: `You are the reviewer specialist of a document-authoring assistant.
The user asked: $task
Your step: $step

Read what earlier steps produced and the files in $session_dir
($active_files). Report contradictions, missing requirements and unclear
wording as a short list. Call complete with the review.`,
		},
		{
			Name:          "designer",
			Description:   "Shapes document structure: outline, section order and headings",
			Tools:         []string{"read", "glob"},
			MaxIterations: 12,
			Template: `You are the designer specialist of a document-authoring assistant.
The user asked: $task
Your step: $step

Propose the structure of the document: sections, their order and a one-line
purpose for each. Ask the user with ask_user when two structures are equally
reasonable. Call complete with the outline.`,
		},
	}
}
