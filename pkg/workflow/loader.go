package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// EngineVersion is checked against the `engine` constraint of each
// definition so an old engine refuses definitions it cannot honor.
const EngineVersion = "1.2.0"

// definitionSchema validates the shape of raw definition files before any
// semantic checks run.
const definitionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["service", "states", "transitions", "officer_chain"],
  "properties": {
    "service": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "engine": {"type": "string"},
    "query_state": {"type": "string"},
    "states": {
      "type": "array",
      "minItems": 2,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["initial", "task", "terminal"]},
          "disposal": {"enum": ["APPROVED", "REJECTED"]}
        }
      }
    },
    "transitions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "from", "to", "action", "role"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "action": {"type": "string", "minLength": 1},
          "role": {"type": "string", "minLength": 1},
          "sla_days": {"type": "integer", "minimum": 0},
          "query_transition_id": {"type": "string"}
        }
      }
    },
    "officer_chain": {"type": "array", "items": {"type": "string"}},
    "rules": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = jsonschema.MustCompileString("workflow-definition.schema.json", definitionSchema)

// Parse decodes, schema-checks and validates a single definition document.
func Parse(raw []byte) (*Definition, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("workflow: parse failed: %w", err)
	}
	// Round-trip through JSON so the schema validator sees JSON-typed values.
	jsonRaw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("workflow: normalize failed: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonRaw, &doc); err != nil {
		return nil, fmt.Errorf("workflow: normalize failed: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("workflow: schema validation failed: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode failed: %w", err)
	}
	if err := def.checkEngine(); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) checkEngine() error {
	if d.Engine == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(d.Engine)
	if err != nil {
		return fmt.Errorf("workflow %s: bad engine constraint %q: %w", d.ServiceKey, d.Engine, err)
	}
	if !constraint.Check(semver.MustParse(EngineVersion)) {
		return fmt.Errorf("workflow %s: requires engine %q, running %s", d.ServiceKey, d.Engine, EngineVersion)
	}
	return nil
}

// Registry holds the validated definitions of all configured services.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from already-validated definitions.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.ServiceKey] = d
	}
	return r
}

// LoadDir parses every *.yaml / *.yml file in dir into a registry.
// A single bad file fails the whole load: a partially configured engine is
// worse than a down one.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workflow: read definitions dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("workflow: no definitions in %s", dir)
	}

	r := &Registry{defs: make(map[string]*Definition, len(names))}
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", name, err)
		}
		def, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", name, err)
		}
		if _, dup := r.defs[def.ServiceKey]; dup {
			return nil, fmt.Errorf("workflow: duplicate service %s in %s", def.ServiceKey, name)
		}
		r.defs[def.ServiceKey] = def
	}
	return r, nil
}

// Get returns the definition for a service key.
func (r *Registry) Get(serviceKey string) (*Definition, bool) {
	d, ok := r.defs[serviceKey]
	return d, ok
}

// Services returns the configured service keys, sorted.
func (r *Registry) Services() []string {
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
