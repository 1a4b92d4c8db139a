package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/martinemde/warden/dispatch"
)

// Runner executes one decoded call.
type Runner func(ctx context.Context, raw json.RawMessage) (string, error)

// Tool pairs a definition with its runner.
type Tool struct {
	Definition dispatch.Definition
	Run        Runner
}

// ArgumentError reports arguments that failed to decode or validate.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

var validate = validator.New(validator.WithRequiredStructEnabled())

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// Schema reflects the JSON schema of A as a plain map, the form tool
// definitions carry to the model.
func Schema[A any]() map[string]any {
	var zero A
	data, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("toolhost: reflect schema of %T: %v", zero, err))
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("toolhost: decode schema of %T: %v", zero, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// Typed builds a tool whose arguments decode into A and are checked with
// A's validate tags before run is called.
func Typed[A any](def dispatch.Definition, run func(ctx context.Context, args A) (string, error)) Tool {
	def.Parameters = Schema[A]()
	return Tool{
		Definition: def,
		Run: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args A
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", &ArgumentError{Tool: def.Name, Err: err}
				}
			}
			if err := validate.Struct(&args); err != nil {
				return "", &ArgumentError{Tool: def.Name, Err: describeValidation(err)}
			}
			return run(ctx, args)
		},
	}
}

func describeValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition.Name] = t
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every definition sorted by name, so requests built
// from them are stable.
func (r *Registry) Definitions() []dispatch.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]dispatch.Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
