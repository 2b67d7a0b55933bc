package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Registry holds the actions enabled for a profile, in catalog order, with
// their compiled parameter schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*entry
	order   []string
}

type entry struct {
	action Action
	schema *gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*entry)}
}

// Register adds an action. Names must be unique and schemas must compile.
func (r *Registry) Register(a Action) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(a.InputSchema()))
	if err != nil {
		return fmt.Errorf("action %s: compiling input schema: %w", a.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name()]; exists {
		return fmt.Errorf("action %s: already registered", a.Name())
	}
	r.actions[a.Name()] = &entry{action: a, schema: schema}
	r.order = append(r.order, a.Name())
	return nil
}

// Get returns an action by name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.actions[name]
	if !ok {
		return nil, false
	}
	return e.action, true
}

// List returns registered actions in registration order.
func (r *Registry) List() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.actions[name].action)
	}
	return out
}

// Catalog describes every registered action for a conversation policy.
func (r *Registry) Catalog() []Descriptor {
	actions := r.List()
	out := make([]Descriptor, len(actions))
	for i, a := range actions {
		out[i] = Descriptor{Name: a.Name(), Description: a.Description(), Parameters: a.InputSchema()}
	}
	return out
}

// Validate checks call parameters against the action's schema and then its
// own semantic checks. The returned error is a *ValidationError.
func (r *Registry) Validate(name string, call *Call) error {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return &ValidationError{Action: name, Reason: "not in catalog", Err: ErrUnknownAction}
	}

	params := call.Params
	if params == nil {
		params = map[string]any{}
	}
	res, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return invalid(name, "", "schema validation: %v", err)
	}
	if !res.Valid() {
		errs := res.Errors()
		msgs := make([]string, len(errs))
		for i, re := range errs {
			msgs[i] = re.String()
		}
		return invalid(name, errs[0].Field(), "%s", strings.Join(msgs, "; "))
	}

	if v, ok := e.action.(Validator); ok {
		return v.Validate(call)
	}
	return nil
}

func mustSchema(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
