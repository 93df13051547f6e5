package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	cuejson "cuelang.org/go/encoding/json"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/opengrove/opengrove/pkg/engine"
)

// varPattern matches ${var.name} placeholders. These are substituted at
// load time, unlike ${id.output} references which the engine resolves
// during execution.
var varPattern = regexp.MustCompile(`\$\{var\.([a-zA-Z0-9_][a-zA-Z0-9_-]*)\}`)

// Loader parses deployment manifests. Sources may be CUE files, YAML or
// JSON files ingested through CUE's encoding bridges, or directories
// holding a CUE package. Multiple sources unify, so overlays work the
// CUE way: a later file can only refine, never contradict.
type Loader struct {
	ctx      *cue.Context
	schema   cue.Value
	starlark *StarlarkEvaluator
}

// NewLoader creates a manifest loader.
func NewLoader() *Loader {
	cuectx := cuecontext.New()
	// The builtin schema compiles; failure is a programming error.
	schema := cuectx.CompileString(deploymentSchema)
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("builtin deployment schema: %v", err))
	}
	return &Loader{
		ctx:      cuectx,
		schema:   schema.LookupPath(cue.ParsePath("#Deployment")),
		starlark: NewStarlarkEvaluator(DefaultStarlarkTimeout),
	}
}

// ParseResult is the outcome of parsing manifest sources. Manifest is
// set only when no error-severity findings were produced.
type ParseResult struct {
	// Manifest is the loaded manifest, nil when Errors block.
	Manifest *Manifest `json:"manifest,omitempty"`

	// SourceFiles lists every file that contributed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when parsing finished.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors holds all findings, errors and warnings both.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Load parses manifest sources and fails on the first blocking finding.
// This is the path the plan and apply commands take.
func (l *Loader) Load(ctx context.Context, sources ...string) (*Manifest, error) {
	result, err := l.Parse(ctx, sources...)
	if err != nil {
		return nil, err
	}
	if err := foldValidationErrors(result.Errors); err != nil {
		return nil, err
	}
	return result.Manifest, nil
}

// Parse parses manifest sources and collects every finding instead of
// stopping at the first. The validate command reports them all at once.
func (l *Loader) Parse(ctx context.Context, sources ...string) (*ParseResult, error) {
	if len(sources) == 0 {
		return nil, engine.NewConfigurationError("no manifest sources given", nil).
			WithCode(engine.ErrCodeValidation)
	}

	var doc cue.Value
	var files []string
	var findings []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("failed to stat manifest source %s", source), err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var dirFiles []string
			val, dirFiles, errs = l.compileDir(source)
			files = append(files, dirFiles...)
		} else {
			val, errs = l.compileFile(source)
			files = append(files, source)
		}

		findings = append(findings, errs...)
		if len(errs) > 0 {
			continue
		}
		if doc.Exists() {
			doc = doc.Unify(val)
		} else {
			doc = val
		}
	}

	result := &ParseResult{
		SourceFiles: files,
		ParsedAt:    time.Now().UTC(),
	}
	if len(findings) > 0 {
		result.Errors = findings
		return result, nil
	}
	if err := doc.Err(); err != nil {
		result.Errors = cueFindings(err)
		return result, nil
	}

	// The schema definition is closed: a misspelled field fails here
	// with its source position instead of being quietly dropped.
	gated := doc.Unify(l.schema)
	if err := gated.Validate(cue.Concrete(true)); err != nil {
		result.Errors = cueFindings(err)
		return result, nil
	}

	manifest, findings := l.extract(ctx, gated, files)
	result.Errors = findings
	if !hasBlocking(findings) {
		manifest.LoadedAt = result.ParsedAt
		result.Manifest = manifest
	}
	return result, nil
}

// ParseInline parses manifest content held in memory. Tests and the
// watch command's re-plan path use it.
func (l *Loader) ParseInline(ctx context.Context, content string) (*ParseResult, error) {
	result := &ParseResult{
		SourceFiles: []string{"inline"},
		ParsedAt:    time.Now().UTC(),
	}

	doc := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := doc.Err(); err != nil {
		result.Errors = cueFindings(err)
		return result, nil
	}

	gated := doc.Unify(l.schema)
	if err := gated.Validate(cue.Concrete(true)); err != nil {
		result.Errors = cueFindings(err)
		return result, nil
	}

	manifest, findings := l.extract(ctx, gated, result.SourceFiles)
	result.Errors = findings
	if !hasBlocking(findings) {
		manifest.LoadedAt = result.ParsedAt
		result.Manifest = manifest
	}
	return result, nil
}

// compileFile compiles one file, bridging YAML and JSON into CUE.
func (l *Loader) compileFile(path string) (cue.Value, []ValidationError) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: SeverityError,
		}}
	}

	var val cue.Value
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := cueyaml.Extract(path, data)
		if err != nil {
			return cue.Value{}, cueFindings(err)
		}
		val = l.ctx.BuildFile(file)
	case ".json":
		expr, err := cuejson.Extract(path, data)
		if err != nil {
			return cue.Value{}, cueFindings(err)
		}
		val = l.ctx.BuildExpr(expr, cue.Filename(path))
	default:
		val = l.ctx.CompileBytes(data, cue.Filename(path))
	}

	if err := val.Err(); err != nil {
		return cue.Value{}, cueFindings(err)
	}
	return val, nil
}

// compileDir loads a directory as a CUE package.
func (l *Loader) compileDir(dir string) (cue.Value, []string, []ValidationError) {
	arg := dir
	if !filepath.IsAbs(arg) && !strings.HasPrefix(arg, "./") && !strings.HasPrefix(arg, "../") {
		// Bare relative paths would be read as import paths.
		arg = "./" + arg
	}

	instances := load.Instances([]string{arg}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: SeverityError,
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cueFindings(inst.Err)
	}

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cueFindings(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// resourceDoc is the decode target for one manifest resource before
// conversion to an engine descriptor.
type resourceDoc struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind" validate:"required"`
	Config    map[string]interface{} `json:"config"`
	DependsOn []string               `json:"depends_on"`
	Labels    map[string]string      `json:"labels"`
}

// extract walks the schema-gated document and produces the manifest.
func (l *Loader) extract(ctx context.Context, doc cue.Value, files []string) (*Manifest, []ValidationError) {
	var findings []ValidationError

	deployment, err := doc.LookupPath(cue.ParsePath("deployment")).String()
	if err != nil {
		findings = append(findings, ValidationError{
			Path:     "deployment",
			Message:  fmt.Sprintf("failed to read deployment name: %v", err),
			Severity: SeverityError,
		})
		return nil, findings
	}

	vars := make(map[string]interface{})
	if v := doc.LookupPath(cue.ParsePath("variables")); v.Exists() {
		if err := v.Decode(&vars); err != nil {
			findings = append(findings, ValidationError{
				Path:     "variables",
				Message:  fmt.Sprintf("failed to decode variables: %v", err),
				Severity: SeverityError,
			})
			return nil, findings
		}
	}

	if v := doc.LookupPath(cue.ParsePath("starlark")); v.Exists() {
		script, err := v.String()
		if err == nil && script != "" {
			result, evalErr := l.starlark.Evaluate(ctx, script, map[string]interface{}{
				"deployment": deployment,
				"vars":       vars,
			})
			if evalErr != nil {
				findings = append(findings, ValidationError{
					Path:     "starlark",
					Message:  evalErr.Error(),
					Severity: SeverityError,
				})
				return nil, findings
			}
			for name, value := range result.Output {
				vars[name] = value
			}
		}
	}

	docs, resFindings := l.extractResources(doc)
	findings = append(findings, resFindings...)

	manifest := &Manifest{
		Deployment:  deployment,
		Variables:   vars,
		SourceFiles: files,
	}

	seen := make(map[string]bool, len(docs))
	for _, rdoc := range docs {
		path := "resources." + rdoc.ID
		if rdoc.ID == "var" {
			findings = append(findings, ValidationError{
				Path:     path,
				Message:  `resource ID "var" is reserved for variable placeholders`,
				Severity: SeverityError,
			})
			continue
		}
		if seen[rdoc.ID] {
			findings = append(findings, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("duplicate resource ID %q", rdoc.ID),
				Severity: SeverityError,
			})
			continue
		}
		seen[rdoc.ID] = true

		cfg, cfgFindings := renderConfig(rdoc.Config, vars, path)
		if len(cfgFindings) > 0 {
			findings = append(findings, cfgFindings...)
			continue
		}

		descriptor := engine.ResourceDescriptor{
			ID:        rdoc.ID,
			Kind:      engine.ResourceKind(rdoc.Kind),
			Config:    cfg,
			DependsOn: rdoc.DependsOn,
			Labels:    rdoc.Labels,
		}
		if err := descriptor.Validate(); err != nil {
			findings = append(findings, ValidationError{
				Path:     path,
				Message:  err.Error(),
				Severity: SeverityError,
			})
			continue
		}
		manifest.Resources = append(manifest.Resources, descriptor)
	}

	return manifest, findings
}

// extractResources reads the resources field in either of its two
// shapes: a struct keyed by ID, or a list with explicit ids.
func (l *Loader) extractResources(doc cue.Value) ([]resourceDoc, []ValidationError) {
	var docs []resourceDoc
	var findings []ValidationError

	resources := doc.LookupPath(cue.ParsePath("resources"))
	switch resources.Kind() {
	case cue.StructKind:
		iter, err := resources.Fields()
		if err != nil {
			return nil, []ValidationError{{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to iterate resources: %v", err),
				Severity: SeverityError,
			}}
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			rdoc, errs := l.decodeResource(iter.Value(), "resources."+key)
			if len(errs) > 0 {
				findings = append(findings, errs...)
				continue
			}
			if rdoc.ID == "" {
				rdoc.ID = key
			} else if rdoc.ID != key {
				findings = append(findings, ValidationError{
					Path:     "resources." + key,
					Message:  fmt.Sprintf("explicit id %q conflicts with key %q", rdoc.ID, key),
					Severity: SeverityError,
				})
				continue
			}
			docs = append(docs, rdoc)
		}

	case cue.ListKind:
		list, err := resources.List()
		if err != nil {
			return nil, []ValidationError{{
				Path:     "resources",
				Message:  fmt.Sprintf("failed to list resources: %v", err),
				Severity: SeverityError,
			}}
		}
		for idx := 0; list.Next(); idx++ {
			path := fmt.Sprintf("resources[%d]", idx)
			rdoc, errs := l.decodeResource(list.Value(), path)
			if len(errs) > 0 {
				findings = append(findings, errs...)
				continue
			}
			if rdoc.ID == "" {
				findings = append(findings, ValidationError{
					Path:     path,
					Message:  "resources in list form need an explicit id",
					Severity: SeverityError,
				})
				continue
			}
			docs = append(docs, rdoc)
		}
	}

	return docs, findings
}

// decodeResource decodes one resource value and checks its struct tags.
func (l *Loader) decodeResource(val cue.Value, path string) (resourceDoc, []ValidationError) {
	var rdoc resourceDoc
	if err := val.Decode(&rdoc); err != nil {
		return rdoc, []ValidationError{{
			Path:     path,
			Message:  fmt.Sprintf("failed to decode resource: %v", err),
			Severity: SeverityError,
		}}
	}
	if err := validate.Struct(rdoc); err != nil {
		return rdoc, []ValidationError{{
			Path:     path,
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: SeverityError,
		}}
	}
	return rdoc, nil
}

// renderConfig stringifies scalar config values and substitutes ${var.*}
// placeholders. ${id.output} references pass through untouched for the
// engine to resolve at execution time.
func renderConfig(raw map[string]interface{}, vars map[string]interface{}, resPath string) (map[string]string, []ValidationError) {
	if len(raw) == 0 {
		return nil, nil
	}

	var findings []ValidationError
	cfg := make(map[string]string, len(raw))
	for key, value := range raw {
		s, err := scalarString(value)
		if err != nil {
			findings = append(findings, ValidationError{
				Path:     resPath + ".config." + key,
				Message:  err.Error(),
				Severity: SeverityError,
			})
			continue
		}

		for _, m := range varPattern.FindAllStringSubmatch(s, -1) {
			placeholder, name := m[0], m[1]
			v, ok := vars[name]
			if !ok {
				findings = append(findings, ValidationError{
					Path:     resPath + ".config." + key,
					Message:  fmt.Sprintf("unknown variable %q in %s", name, placeholder),
					Severity: SeverityError,
				})
				continue
			}
			sv, err := scalarString(v)
			if err != nil {
				findings = append(findings, ValidationError{
					Path:     resPath + ".config." + key,
					Message:  fmt.Sprintf("variable %q is not a scalar: %v", name, err),
					Severity: SeverityError,
				})
				continue
			}
			s = strings.ReplaceAll(s, placeholder, sv)
		}
		cfg[key] = s
	}

	if len(findings) > 0 {
		return nil, findings
	}
	return cfg, nil
}

// scalarString renders a scalar as the string the adapter receives.
func scalarString(v interface{}) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("value of type %T is not a scalar", v)
	}
}

// hasBlocking reports whether any finding has error severity.
func hasBlocking(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// cueFindings converts CUE errors into findings with source positions.
func cueFindings(err error) []ValidationError {
	var findings []ValidationError
	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		findings = append(findings, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  fmt.Sprintf(format, args...),
			Severity: SeverityError,
		})
	}
	return findings
}
