package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/quantlab/regimeflow/internal/expr"
)

// LoadError is the structural stage of the taxonomy: unreadable file,
// malformed JSON, or a top-level schema violation. A reload that hits it
// keeps the previous configuration in force.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("config load failed for %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// requiredKeys is the strict top-level schema. Anything else, except
// _comment* annotations, fails the structural stage.
var requiredKeys = []string{"schema_version", "indicators", "regimes", "strategies", "strategy_sets", "routing"}

// Load reads, structurally validates, and semantically validates a rule
// document. Both stages must pass; the returned Configuration is fully
// built and indexed, ready to be swapped in.
func Load(path string, engine *expr.Engine) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "cannot read file", Err: err}
	}
	cfg, err := Parse(data, engine)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse runs both validation stages on a raw document. Split from Load so
// tests and the validate CLI can feed bytes directly.
func Parse(data []byte, engine *expr.Engine) (*Configuration, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return nil, &LoadError{Reason: "malformed JSON", Err: err}
	}

	// Strip _comment* annotations, then enforce the strict top-level
	// schema: every required key present, nothing unknown left over.
	for key := range top {
		if strings.HasPrefix(key, "_comment") {
			delete(top, key)
		}
	}
	for _, key := range requiredKeys {
		if _, ok := top[key]; !ok {
			return nil, &LoadError{Reason: fmt.Sprintf("missing required field %q", key)}
		}
	}
	if len(top) > len(requiredKeys) {
		for key := range top {
			if !isRequiredKey(key) {
				return nil, &LoadError{Reason: fmt.Sprintf("unknown top-level field %q", key)}
			}
		}
	}

	stripped, err := json.Marshal(top)
	if err != nil {
		return nil, &LoadError{Reason: "re-encoding document", Err: err}
	}

	var cfg Configuration
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, &LoadError{Reason: "document does not match schema", Err: err}
	}
	if cfg.SchemaVersion == "" {
		return nil, &LoadError{Reason: "schema_version must be non-empty"}
	}

	if err := cfg.Validate(engine); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isRequiredKey(key string) bool {
	for _, k := range requiredKeys {
		if k == key {
			return true
		}
	}
	return false
}
