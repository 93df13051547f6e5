package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Loader reads user policy files from disk. Rego files carry the rule
// source directly; JSON files carry a full policy document with metadata.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadDir loads every .rego and .json policy under dir, walking
// subdirectories in lexical order. A file that cannot be loaded fails the
// whole load: a broken policy silently skipped would weaken the gate it
// was written for.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]Policy, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("policy directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("policy path %s is not a directory", dir)
	}

	var policies []Policy
	seen := make(map[string]string)

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		var p *Policy
		var loadErr error
		switch {
		case strings.HasSuffix(path, ".rego"):
			p, loadErr = l.loadRego(path)
		case strings.HasSuffix(path, ".json"):
			p, loadErr = l.loadJSON(path)
		default:
			return nil
		}
		if loadErr != nil {
			return fmt.Errorf("loading policy %s: %w", path, loadErr)
		}

		if prev, dup := seen[p.Name]; dup {
			l.logger.Warn().Str("policy", p.Name).
				Str("shadowed", prev).Str("file", path).
				Msg("Duplicate policy name; later file wins")
		}
		seen[p.Name] = path
		policies = append(policies, *p)

		l.logger.Debug().Str("policy", p.Name).Str("file", path).
			Str("severity", string(p.Severity)).
			Msg("Policy file loaded")
		return nil
	})
	if err != nil {
		return nil, err
	}

	return policies, nil
}

// loadRego builds a policy from a bare rule file. The policy name is the
// file name; description and severity come from the leading comment block.
func (l *Loader) loadRego(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: headerDescription(content),
		Rego:        content,
		Severity:    headerSeverity(content),
		Enabled:     true,
		Source:      path,
	}, nil
}

// loadJSON reads a full policy document.
func (l *Loader) loadJSON(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Defaults first, so absent fields do not zero them out. A JSON
	// policy without "enabled" is active.
	p := Policy{
		Severity: SeverityWarning,
		Enabled:  true,
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy document has no name")
	}
	if p.Rego == "" {
		return nil, fmt.Errorf("policy %s has no rego source", p.Name)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Source = path
	return &p, nil
}

// leadingComments returns the comment lines before the first directive or
// code line, with the comment markers stripped.
func leadingComments(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		out = append(out, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
	}
	return out
}

// headerDescription joins the leading comment block into a description,
// leaving out directive lines.
func headerDescription(content string) string {
	var sb strings.Builder
	for _, line := range leadingComments(content) {
		if line == "" || isDirective(line) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// headerSeverity reads a "# severity: error" directive from the leading
// comment block. Without one, user policies default to warning: blocking
// severity is an explicit choice, not an accident of file layout.
func headerSeverity(content string) Severity {
	for _, line := range leadingComments(content) {
		rest, ok := strings.CutPrefix(line, "severity:")
		if !ok {
			continue
		}
		s := Severity(strings.TrimSpace(rest))
		switch s {
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
			return s
		}
	}
	return SeverityWarning
}

func isDirective(line string) bool {
	return strings.HasPrefix(line, "severity:")
}
