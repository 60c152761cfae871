package definition

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/backoff"
)

// Violation is one problem found during validation.
type Violation struct {
	// Path locates the problem ("steps.fetch", "connections[2]",
	// "variables.amount", "trigger").
	Path string `json:"path"`

	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Path + ": " + v.Message
}

// ValidationError reports every violation found in a definition, not just
// the first. Publish rejects the definition when this is non-nil.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "invalid definition: " + e.Violations[0].String()
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid definition (%d violations): %s",
		len(e.Violations), strings.Join(parts, "; "))
}

type validator struct {
	def        *Definition
	violations []Violation
}

func (v *validator) addf(path, format string, args ...any) {
	v.violations = append(v.violations, Violation{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks a definition for structural and semantic problems and
// returns a *ValidationError listing all of them, or nil.
func Validate(def *Definition) error {
	v := &validator{def: def}

	v.checkBasics()
	v.checkTrigger()
	v.checkSteps()
	v.checkConnections()
	v.checkGraph()
	v.checkVariables()

	if len(v.violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: v.violations}
}

func (v *validator) checkBasics() {
	if v.def.Name == "" {
		v.addf("name", "must not be empty")
	}
	if v.def.Version < 1 {
		v.addf("version", "must be >= 1, got %d", v.def.Version)
	}
	if len(v.def.Steps) == 0 {
		v.addf("steps", "workflow has no steps")
	}
	if v.def.Settings.MaxConcurrentExecutions < 0 {
		v.addf("settings.max_concurrent_executions", "must not be negative")
	}
	if v.def.Settings.RateLimit < 0 {
		v.addf("settings.rate_limit", "must not be negative")
	}
	if v.def.Settings.LoopIterationCap < 0 {
		v.addf("settings.loop_iteration_cap", "must not be negative")
	}
	if rc := v.def.Settings.DefaultRetry; rc != nil {
		v.checkRetry("settings.default_retry", rc)
	}
	if eh := v.def.Settings.DefaultErrorHandling; eh != nil {
		v.checkErrorHandling("settings.default_error_handling", eh)
	}
}

func (v *validator) checkTrigger() {
	t := v.def.Trigger
	switch t.Kind {
	case TriggerSchedule:
		if t.Schedule == "" {
			v.addf("trigger.schedule", "schedule trigger requires a cron expression")
			return
		}
		if _, err := cron.ParseStandard(t.Schedule); err != nil {
			v.addf("trigger.schedule", "invalid cron expression %q: %v", t.Schedule, err)
		}
	case TriggerWebhook, TriggerEvent:
		if t.EventType == "" {
			v.addf("trigger.event_type", "%s trigger requires an event type", t.Kind)
		}
	case TriggerManual:
	default:
		v.addf("trigger.kind", "unknown trigger kind %q", t.Kind)
	}
}

func (v *validator) checkSteps() {
	seen := make(map[string]bool, len(v.def.Steps))
	for i := range v.def.Steps {
		s := &v.def.Steps[i]
		path := "steps." + s.ID

		if s.ID == "" {
			v.addf(fmt.Sprintf("steps[%d]", i), "step id must not be empty")
			continue
		}
		if seen[s.ID] {
			v.addf(path, "duplicate step id")
			continue
		}
		seen[s.ID] = true

		v.checkStepConfig(path, s)

		if s.Timeout < 0 {
			v.addf(path+".timeout", "must not be negative")
		}
		if s.Retry != nil {
			v.checkRetry(path+".retry", s.Retry)
		}
		if s.OnError != nil {
			v.checkErrorHandling(path+".on_error", s.OnError)
		}
	}
}

// checkStepConfig verifies that exactly the config matching the step's
// kind is present and internally consistent.
func (v *validator) checkStepConfig(path string, s *StepSpec) {
	configs := 0
	if s.Action != nil {
		configs++
	}
	if s.Condition != nil {
		configs++
	}
	if s.Loop != nil {
		configs++
	}
	if s.Parallel != nil {
		configs++
	}
	if s.Delay != nil {
		configs++
	}
	if s.Approval != nil {
		configs++
	}
	if configs > 1 {
		v.addf(path, "step declares %d kind configs, want exactly one", configs)
	}

	switch s.Kind {
	case KindAction, KindNotification, KindIntegration:
		if s.Action == nil {
			v.addf(path, "%s step requires an action config", s.Kind)
		} else if s.Action.Type == "" {
			v.addf(path+".action.type", "must not be empty")
		}
	case KindCondition:
		if s.Condition == nil {
			v.addf(path, "condition step requires a condition config")
		} else if s.Condition.Predicate.IsZero() {
			v.addf(path+".condition", "predicate must not be empty")
		}
	case KindLoop:
		if s.Loop == nil {
			v.addf(path, "loop step requires a loop config")
		} else {
			v.checkLoop(path+".loop", s.Loop)
		}
	case KindParallel:
		if s.Parallel == nil {
			v.addf(path, "parallel step requires a parallel config")
		} else {
			v.checkParallel(path+".parallel", s.Parallel)
		}
	case KindDelay:
		if s.Delay == nil {
			v.addf(path, "delay step requires a delay config")
		} else if s.Delay.Duration <= 0 {
			v.addf(path+".delay.duration", "must be positive")
		}
	case KindApproval:
		if s.Approval == nil {
			v.addf(path, "approval step requires an approval config")
		} else if s.Approval.Timeout < 0 {
			v.addf(path+".approval.timeout", "must not be negative")
		}
	default:
		v.addf(path+".kind", "unknown step kind %q", s.Kind)
	}
}

func (v *validator) checkLoop(path string, lc *LoopConfig) {
	switch lc.Mode {
	case LoopFor:
		if lc.Count <= 0 {
			v.addf(path+".count", "for loop requires a positive count, got %d", lc.Count)
		}
	case LoopWhile:
		if lc.Until.IsZero() {
			v.addf(path+".until", "while loop requires a continuation predicate")
		}
	case LoopForeach:
		if lc.Collection == "" {
			v.addf(path+".collection", "foreach loop requires a collection variable")
		}
	default:
		v.addf(path+".mode", "unknown loop mode %q", lc.Mode)
	}

	if len(lc.Body) == 0 {
		v.addf(path+".body", "loop body must not be empty")
	}
	for _, bodyID := range lc.Body {
		body := v.def.Step(bodyID)
		if body == nil {
			v.addf(path+".body", "step %q not found", bodyID)
			continue
		}
		switch body.Kind {
		case KindDelay, KindApproval:
			v.addf(path+".body", "%s step %q not allowed inside a loop body", body.Kind, bodyID)
		case KindLoop, KindParallel:
			v.addf(path+".body", "%s step %q not allowed inside a loop body", body.Kind, bodyID)
		}
	}
}

func (v *validator) checkParallel(path string, pc *ParallelConfig) {
	if len(pc.Branches) < 2 {
		v.addf(path+".branches", "parallel step requires at least 2 branches, got %d", len(pc.Branches))
	}
	switch pc.Join {
	case JoinAll, JoinAny, "":
	default:
		v.addf(path+".join", "unknown join mode %q", pc.Join)
	}

	names := make(map[string]bool, len(pc.Branches))
	for bi, br := range pc.Branches {
		bpath := fmt.Sprintf("%s.branches[%d]", path, bi)
		if br.Name == "" {
			v.addf(bpath+".name", "must not be empty")
		} else if names[br.Name] {
			v.addf(bpath+".name", "duplicate branch name %q", br.Name)
		}
		names[br.Name] = true

		if len(br.Steps) == 0 {
			v.addf(bpath+".steps", "branch must not be empty")
		}
		for _, stepID := range br.Steps {
			member := v.def.Step(stepID)
			if member == nil {
				v.addf(bpath+".steps", "step %q not found", stepID)
				continue
			}
			switch member.Kind {
			case KindLoop, KindParallel, KindApproval:
				v.addf(bpath+".steps", "%s step %q not allowed inside a branch", member.Kind, stepID)
			}
		}
	}
}

func (v *validator) checkRetry(path string, rc *RetryConfig) {
	if rc.MaxAttempts < 0 {
		v.addf(path+".max_attempts", "must not be negative, got %d", rc.MaxAttempts)
	}
	if rc.RetryDelay < 0 {
		v.addf(path+".retry_delay", "must not be negative")
	}
	switch rc.BackoffStrategy {
	case "", backoff.StrategyFixed, backoff.StrategyLinear, backoff.StrategyExponential:
	default:
		v.addf(path+".backoff_strategy", "unknown strategy %q", rc.BackoffStrategy)
	}
}

func (v *validator) checkErrorHandling(path string, eh *ErrorHandling) {
	switch eh.Strategy {
	case StrategyStop, StrategyContinue, StrategyRetry, "":
	case StrategyFallback:
		if eh.FallbackStepID == "" {
			v.addf(path+".fallback_step_id", "fallback strategy requires a fallback step")
		} else if v.def.Step(eh.FallbackStepID) == nil {
			v.addf(path+".fallback_step_id", "step %q not found", eh.FallbackStepID)
		}
	default:
		v.addf(path+".strategy", "unknown error strategy %q", eh.Strategy)
	}
}

func (v *validator) checkConnections() {
	for i := range v.def.Connections {
		c := &v.def.Connections[i]
		path := fmt.Sprintf("connections[%d]", i)

		src := v.def.Step(c.Source)
		if src == nil {
			v.addf(path+".source", "step %q not found", c.Source)
		}
		if v.def.Step(c.Target) == nil {
			v.addf(path+".target", "step %q not found", c.Target)
		}
		if c.Source != "" && c.Source == c.Target {
			v.addf(path, "self-connection on step %q", c.Source)
		}

		switch c.Guard {
		case GuardSuccess, GuardError, GuardTimeout, GuardAlways, "":
		case GuardTrue, GuardFalse:
			if src != nil && src.Kind != KindCondition {
				v.addf(path+".guard", "%s guard requires a condition source, got %s", c.Guard, src.Kind)
			}
		case GuardCondition:
			if c.Predicate.IsZero() {
				v.addf(path+".predicate", "condition guard requires a predicate")
			}
		default:
			v.addf(path+".guard", "unknown guard %q", c.Guard)
		}
	}
}

// checkGraph builds the adjacency structure and verifies the walkable
// shape: one start step, everything reachable, no undeclared cycles, and
// no connections into or out of embedded steps.
func (v *validator) checkGraph() {
	// Graph checks are meaningless while steps or connections are broken.
	if len(v.violations) > 0 || len(v.def.Steps) == 0 {
		return
	}

	g, err := BuildGraph(v.def)
	if err != nil {
		v.addf("connections", "%v", err)
		return
	}

	owners := make(map[string][]string)
	for i := range v.def.Steps {
		s := &v.def.Steps[i]
		switch s.Kind {
		case KindLoop:
			for _, bodyID := range s.Loop.Body {
				owners[bodyID] = append(owners[bodyID], s.ID)
			}
		case KindParallel:
			for _, br := range s.Parallel.Branches {
				for _, stepID := range br.Steps {
					owners[stepID] = append(owners[stepID], s.ID)
				}
			}
		}
	}
	for stepID, os := range owners {
		if len(os) > 1 {
			v.addf("steps."+stepID, "step belongs to multiple loop bodies or branches (%s)", strings.Join(os, ", "))
		}
		if len(g.Incoming(stepID)) > 0 || len(g.Outgoing(stepID)) > 0 {
			v.addf("steps."+stepID, "embedded step must not have graph connections")
		}
	}

	if hit := g.findCycle(); hit != "" {
		v.addf("connections", "cycle detected through step %q", hit)
	}

	seen := g.reachable()
	for _, stepID := range g.TopLevel() {
		if !seen[stepID] {
			v.addf("steps."+stepID, "step is unreachable from the start step")
		}
	}
}

func (v *validator) checkVariables() {
	seen := make(map[string]bool, len(v.def.Variables))
	for i := range v.def.Variables {
		vs := &v.def.Variables[i]
		path := "variables." + vs.Name

		if vs.Name == "" {
			v.addf(fmt.Sprintf("variables[%d]", i), "variable name must not be empty")
			continue
		}
		if seen[vs.Name] {
			v.addf(path, "duplicate variable name")
			continue
		}
		seen[vs.Name] = true

		switch vs.Type {
		case VarString, VarNumber, VarBoolean, VarObject, VarArray, VarAny, "":
		default:
			v.addf(path+".type", "unknown variable type %q", vs.Type)
		}

		if vs.Default != nil && !CheckType(vs.Type, vs.Default) {
			v.addf(path+".default", "default %v does not conform to type %s", vs.Default, vs.Type)
		}
		if vs.Required && vs.Default == nil {
			// Required without a default is satisfied only by the trigger
			// payload; legal but worth flagging when the trigger is a
			// schedule that never carries a payload.
			if v.def.Trigger.Kind == TriggerSchedule {
				v.addf(path, "required variable without default cannot be satisfied by a schedule trigger")
			}
		}
	}
}
