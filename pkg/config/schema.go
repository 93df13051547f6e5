package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds named CUE schemas. The builtin deployment and
// resource schemas gate every manifest load; callers can register
// additional schemas for their own validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the builtin schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	// Builtin schemas compile; a failure here is a programming error.
	if err := sr.Register("deployment", deploymentSchema); err != nil {
		panic(err)
	}
	if err := sr.Register("resource", resourceSchema); err != nil {
		panic(err)
	}
	return sr
}

// Register compiles and stores a schema under the given name.
func (sr *SchemaRegistry) Register(name, source string) error {
	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// Get returns a registered schema.
func (sr *SchemaRegistry) Get(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// Names returns the registered schema names.
func (sr *SchemaRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateData unifies data with a named schema's definition and reports
// the first constraint violation.
func (sr *SchemaRegistry) ValidateData(schemaName, definition string, data interface{}) error {
	schema, ok := sr.Get(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not registered", schemaName)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition %s", schemaName, definition)
	}

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// deploymentSchema constrains a whole manifest document. Definitions are
// closed, so a misspelled field is a constraint violation rather than a
// silently ignored extra.
const deploymentSchema = `
#Deployment: {
	// deployment names the deployment; it prefixes generated cloud
	// resource names.
	deployment: string & =~"^[a-z0-9][a-z0-9-]{0,39}$"

	// variables feed ${var.*} substitution and the starlark block.
	variables?: {[string]: _}

	// starlark holds a script whose globals become variables.
	starlark?: string

	// resources map descriptor IDs to resources, or list them with
	// explicit ids.
	resources: {[=~"^[a-z0-9][a-z0-9_-]{0,63}$"]: #Resource} | [...#Resource]
}

#Resource: {
	id?: string & =~"^[a-z0-9][a-z0-9_-]{0,63}$"

	kind: "registry" | "compute-cluster" | "database" | "ai-service" |
		"secret" | "gateway" | "network"

	// config values may be scalars; everything is delivered to the
	// adapter as a string.
	config?: {[string]: string | int | number | bool}

	depends_on?: [...string & !=""]

	labels?: {[string]: string}
}
`

// resourceSchema constrains one resource on its own, for callers that
// validate fragments outside a full manifest.
const resourceSchema = `
#Resource: {
	id: string & =~"^[a-z0-9][a-z0-9_-]{0,63}$"

	kind: "registry" | "compute-cluster" | "database" | "ai-service" |
		"secret" | "gateway" | "network"

	config?: {[string]: string | int | number | bool}

	depends_on?: [...string & !=""]

	labels?: {[string]: string}
}
`
