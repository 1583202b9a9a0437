// Package catalog resolves a datasource's catalog_id and bindings into the
// parameterized SQL template the Processor sends to the columnar read
// service. It has no direct teacher analog: the registry shape (a static
// map populated at construction, looked up by string id) follows the
// teacher's configuration-loading idiom of failing loudly on an unknown key
// rather than silently defaulting.
package catalog

import (
	"bytes"
	"encoding/json"
	"os"
	"text/template"

	"github.com/chainalert/runtime/internal/apperrors"
)

// Entry is one registered catalog template: the SQL body (a text/template
// referencing bindings and target keys) and a deadline ceiling no job's
// configured timeout may exceed, regardless of what the template declares.
type Entry struct {
	Table        string
	SQLTemplate  string
	MaxTimeoutMs int64
}

// Registry is the in-memory catalog_id -> Entry lookup the Processor
// resolves every datasource reference against.
type Registry struct {
	entries   map[string]Entry
	compiled  map[string]*template.Template
}

// NewRegistry compiles every entry's SQL template once at construction so
// a malformed template fails fast at startup instead of on a job's
// critical path.
func NewRegistry(entries map[string]Entry) (*Registry, error) {
	compiled := make(map[string]*template.Template, len(entries))
	for id, entry := range entries {
		tmpl, err := template.New(id).Option("missingkey=error").Parse(entry.SQLTemplate)
		if err != nil {
			return nil, apperrors.NewValidation("catalog_id", "failed to compile SQL template for "+id).WithDetails(err.Error())
		}
		compiled[id] = tmpl
	}
	return &Registry{entries: entries, compiled: compiled}, nil
}

// LoadRegistry reads a catalog_id -> Entry map from a JSON config file and
// compiles it into a Registry. A missing file is not an error: the
// Processor starts with an empty catalog, and any job referencing a
// datasource fails with the same NotFound a bad catalog_id produces.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewRegistry(map[string]Entry{})
		}
		return nil, apperrors.NewInternal("catalog_config_read", err)
	}
	var entries map[string]Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.NewContractMismatch("catalog_config", err)
	}
	return NewRegistry(entries)
}

// QueryParams is the rendering scope for a catalog SQL template: the
// datasource's bindings plus the job's target key list, always available
// under the "Targets" key regardless of what a given template uses.
type QueryParams struct {
	Bindings map[string]interface{}
	Targets  []string
}

// Resolved is a rendered, ready-to-send query for the columnar read
// service: the target table, the rendered SQL body, and the timeout this
// catalog entry caps the request at.
type Resolved struct {
	Table        string
	SQL          string
	MaxTimeoutMs int64
}

// Resolve renders catalogID's SQL template against bindings and targets.
// An unknown catalog_id is a NotFound error; a binding that does not
// satisfy the template (missingkey=error) is a Validation error. Neither is
// retried, since retrying an unresolvable template can't succeed.
func Resolve(reg *Registry, catalogID string, bindingsJSON json.RawMessage, targets []string) (Resolved, error) {
	entry, ok := reg.entries[catalogID]
	if !ok {
		return Resolved{}, apperrors.NewNotFound("catalog_entry").WithMetadata("catalog_id", catalogID)
	}
	tmpl := reg.compiled[catalogID]

	var bindings map[string]interface{}
	if len(bindingsJSON) > 0 {
		if err := json.Unmarshal(bindingsJSON, &bindings); err != nil {
			return Resolved{}, apperrors.NewValidation("bindings", "datasource bindings are not a JSON object").WithDetails(err.Error())
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, QueryParams{Bindings: bindings, Targets: targets}); err != nil {
		return Resolved{}, apperrors.NewValidation("catalog_id", "failed to render SQL template for "+catalogID).WithDetails(err.Error())
	}

	return Resolved{Table: entry.Table, SQL: buf.String(), MaxTimeoutMs: entry.MaxTimeoutMs}, nil
}
