// Package trigger matches inbound events against workflow triggers and
// builds the initial variable bindings for new executions.
package trigger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/condition"
	"github.com/loomworks/loom/definition"
)

// Event is an inbound occurrence that may start workflows: a webhook
// delivery or a named data-change event.
type Event struct {
	// Type is matched against TriggerSpec.EventType.
	Type string `json:"type"`

	// Payload is the event body, evaluated against trigger filters and
	// overlaid onto the initial bindings.
	Payload map[string]any `json:"payload,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// BindingError reports a payload that cannot seed the initial bindings
// of a new execution.
type BindingError struct {
	Variable string
	Reason   string
}

func (e *BindingError) Error() string {
	return "trigger: variable " + e.Variable + ": " + e.Reason
}

// Evaluator decides which workflows an event starts.
type Evaluator struct {
	conditions *condition.Evaluator
	logger     *slog.Logger
}

// NewEvaluator creates an Evaluator sharing the given condition evaluator
// so compiled filter expressions are cached across triggers.
func NewEvaluator(conditions *condition.Evaluator, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{conditions: conditions, logger: logger}
}

// Matches reports whether the event fires the definition's trigger. A
// disabled trigger never matches. Filter warnings are logged and the
// filter fails closed.
func (ev *Evaluator) Matches(def *definition.Definition, event Event) bool {
	t := def.Trigger
	if !t.Enabled {
		return false
	}

	switch t.Kind {
	case definition.TriggerWebhook, definition.TriggerEvent:
	default:
		// Schedule and manual triggers never fire on events.
		return false
	}

	if t.EventType != "" && t.EventType != event.Type {
		return false
	}

	ok, warnings := ev.conditions.Evaluate(t.Filter, event.Payload)
	for _, w := range warnings {
		ev.logger.Warn("trigger filter warning",
			slog.String("workflow_id", def.ID.String()),
			slog.Int("version", def.Version),
			slog.String("kind", string(w.Kind)),
			slog.String("detail", w.Detail),
		)
	}
	return ok
}

// Select returns the definitions among actives whose trigger fires on the
// event.
func (ev *Evaluator) Select(actives []*definition.Definition, event Event) []*definition.Definition {
	var matched []*definition.Definition
	for _, def := range actives {
		if ev.Matches(def, event) {
			matched = append(matched, def)
		}
	}
	return matched
}

// InitialBindings builds the starting variable state: declared defaults
// first, then payload values for declared names overlaid on top. A
// required variable left unbound, or a payload value that fails its
// declared type or validation predicate, is an error.
func (ev *Evaluator) InitialBindings(def *definition.Definition, payload map[string]any) (map[string]any, error) {
	bindings := make(map[string]any, len(def.Variables))

	for i := range def.Variables {
		vs := &def.Variables[i]
		if vs.Default != nil {
			bindings[vs.Name] = vs.Default
		}
	}

	for i := range def.Variables {
		vs := &def.Variables[i]
		v, ok := payload[vs.Name]
		if !ok {
			continue
		}
		if !definition.CheckType(vs.Type, v) {
			return nil, &BindingError{Variable: vs.Name, Reason: fmt.Sprintf("payload value %v does not conform to type %s", v, vs.Type)}
		}
		if !vs.Validation.IsZero() {
			ok, _ := ev.conditions.Evaluate(vs.Validation, map[string]any{"value": v})
			if !ok {
				return nil, &BindingError{Variable: vs.Name, Reason: fmt.Sprintf("payload value %v rejected by validation", v)}
			}
		}
		bindings[vs.Name] = v
	}

	for i := range def.Variables {
		vs := &def.Variables[i]
		if vs.Required {
			if _, ok := bindings[vs.Name]; !ok {
				return nil, &BindingError{Variable: vs.Name, Reason: "required but unbound"}
			}
		}
	}

	return bindings, nil
}
