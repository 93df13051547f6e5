package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Manifest is a loaded deployment manifest: the deployment name and its
// resource descriptors, fully evaluated. Starlark blocks have run and
// ${var.*} placeholders are substituted; ${id.output} references remain
// for the engine.
type Manifest struct {
	// Deployment names the deployment the manifest describes.
	Deployment string `json:"deployment"`

	// Resources holds the descriptors in manifest order.
	Resources []engine.ResourceDescriptor `json:"resources"`

	// Variables are the manifest variables after starlark evaluation.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// SourceFiles lists the files the manifest was loaded from.
	SourceFiles []string `json:"source_files,omitempty"`

	// LoadedAt is when loading finished.
	LoadedAt time.Time `json:"loaded_at"`
}

// Descriptor returns the descriptor with the given ID.
func (m *Manifest) Descriptor(id string) (*engine.ResourceDescriptor, bool) {
	for i := range m.Resources {
		if m.Resources[i].ID == id {
			return &m.Resources[i], true
		}
	}
	return nil, false
}

// Severity levels for manifest findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError is one manifest finding with source position where CUE
// can provide it.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the 1-indexed line number.
	Line int `json:"line,omitempty"`

	// Column is the 1-indexed column number.
	Column int `json:"column,omitempty"`

	// Path is the location inside the document, e.g. "resources.db".
	Path string `json:"path,omitempty"`

	// Message describes the finding.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// Error renders the finding with its position.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// foldValidationErrors collapses findings into one configuration error,
// ignoring warnings. Nil when nothing blocks.
func foldValidationErrors(findings []ValidationError) error {
	var lines []string
	for _, f := range findings {
		if f.Severity == SeverityError {
			lines = append(lines, f.Error())
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("manifest has %d error(s):\n  %s",
			len(lines), strings.Join(lines, "\n  ")), nil).
		WithCode(engine.ErrCodeValidation)
}

// Starter returns a scaffold manifest for a new deployment. The init
// command writes it as the starting point for editing.
func Starter(deployment string) []byte {
	return []byte(fmt.Sprintf(`deployment: %q

variables: {
	location: "westeurope"
	resource_group: %q
}

resources: {
	net: {
		kind: "network"
		config: {
			location:       "${var.location}"
			resource_group: "${var.resource_group}"
		}
	}

	images: {
		kind: "registry"
		config: {
			location:       "${var.location}"
			resource_group: "${var.resource_group}"
			sku:            "Standard"
		}
	}

	cluster: {
		kind: "compute-cluster"
		config: {
			location:       "${var.location}"
			resource_group: "${var.resource_group}"
			subnet_id:      "${net.subnet_id}"
			registry:       "${images.registry_name}"
			node_count:     "2"
		}
		depends_on: ["net", "images"]
	}
}
`, deployment, deployment+"-rg"))
}
