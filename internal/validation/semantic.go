package validation

import (
	"fmt"
	"time"

	"github.com/itchyny/gojq"
	"github.com/robfig/cron/v3"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

const maxRecommendedRetries = 10

// validateSemantic checks what the JSON Schema cannot express: the
// kind-specific params, adapter availability, retry durations, output
// binding queries and the cron schedule.
func validateSemantic(def *schema.ProcessDefinition, lookup AdapterLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			result.AddErrorf("schedule", schema.ErrCodeValidation, "invalid cron expression %q: %v", def.Schedule, err)
		}
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), lookup, result)
	}
	return result
}

func validateStep(step *schema.StepDefinition, path string, lookup AdapterLookup, result *schema.ValidationResult) {
	p := step.Params
	switch step.Kind {
	case schema.StepKindCommand:
		requireString(p, "command", path, result)
	case schema.StepKindFunction:
		requireString(p, "name", path, result)
	case schema.StepKindAPI:
		if step.AdapterName() == "api" {
			requireString(p, "url", path, result)
		}
	case schema.StepKindCondition:
		requireString(p, "expression", path, result)
		validateEngine(p, path, result)
		then, otherwise := step.BranchSteps()
		if len(then) == 0 && len(otherwise) == 0 {
			result.AddWarning(path+".params", schema.ErrCodeValidation, "condition selects no branch steps")
		}
	case schema.StepKindLoop:
		validateLoop(step, path, result)
	case schema.StepKindParallel:
		if len(step.OwnedSteps()) == 0 {
			result.AddError(path+".params.branches", schema.ErrCodeValidation, "parallel step needs at least one branch step")
		}
		validatePositive(p, "concurrency", path, result)
	case schema.StepKindVariable:
		validateVariable(step, path, result)
	}

	if name := step.AdapterName(); name != "" && lookup != nil && !lookup.Has(name) {
		result.AddErrorf(path+".params", schema.ErrCodeNotFound, "adapter %q not registered", name)
	}

	if step.IgnoreExitCode && step.Kind != schema.StepKindCommand {
		result.AddWarning(path+".ignore_exit_code", schema.ErrCodeValidation, "ignore_exit_code only applies to command steps")
	}

	if r := step.Retry; r != nil {
		delay := parseDuration(r.Delay, path+".retry.delay", result)
		maxDelay := parseDuration(r.MaxDelay, path+".retry.max_delay", result)
		if delay > 0 && maxDelay > 0 && maxDelay < delay {
			result.AddError(path+".retry.max_delay", schema.ErrCodeValidation, "max_delay is shorter than delay")
		}
		if r.Max > maxRecommendedRetries {
			result.AddWarning(path+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", r.Max))
		}
		if step.NonIdempotent && r.Max > 0 {
			result.AddWarning(path+".retry", schema.ErrCodeValidation, "non-idempotent step is retried")
		}
	}

	for name, query := range step.Outputs {
		if name == "" || name == "steps" {
			result.AddErrorf(path+".outputs", schema.ErrCodeValidation, "invalid output variable name %q", name)
			continue
		}
		if _, err := gojq.Parse(query); err != nil {
			result.AddErrorf(path+".outputs."+name, schema.ErrCodeValidation, "invalid jq query %q: %v", query, err)
		}
	}
}

func validateLoop(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	p := step.Params
	if len(step.OwnedSteps()) == 0 {
		result.AddError(path+".params.body", schema.ErrCodeValidation, "loop step needs at least one body step")
	}
	switch mode := step.LoopMode(); mode {
	case schema.LoopFor:
		if _, ok := p["to"]; !ok {
			result.AddError(path+".params.to", schema.ErrCodeValidation, "for loop requires 'to'")
		}
		if s, ok := p["step"]; ok {
			if n, ok := s.(int); ok && n == 0 {
				result.AddError(path+".params.step", schema.ErrCodeValidation, "for loop step must not be zero")
			}
		}
		validatePositive(p, "max_iterations", path, result)
	case schema.LoopWhile:
		requireString(p, "condition", path, result)
		validateEngine(p, path, result)
		validatePositive(p, "max_iterations", path, result)
	case schema.LoopForEach:
		if _, ok := p["items"]; !ok {
			result.AddError(path+".params.items", schema.ErrCodeValidation, "foreach loop requires 'items'")
		}
	case schema.LoopCount:
		if _, ok := p["count"]; !ok {
			result.AddError(path+".params.count", schema.ErrCodeValidation, "count loop requires 'count'")
		}
		validatePositive(p, "max_iterations", path, result)
	case schema.LoopParallel:
		_, hasItems := p["items"]
		_, hasCount := p["count"]
		if !hasItems && !hasCount {
			result.AddError(path+".params", schema.ErrCodeValidation, "parallel loop requires 'items' or 'count'")
		}
		validatePositive(p, "concurrency", path, result)
	case "":
		result.AddError(path+".params.mode", schema.ErrCodeValidation, "loop mode is required")
	default:
		result.AddErrorf(path+".params.mode", schema.ErrCodeValidation, "unknown loop mode %q", mode)
	}

	switch fp, _ := p["failure_policy"].(string); fp {
	case "", "abort", "continue":
	default:
		result.AddErrorf(path+".params.failure_policy", schema.ErrCodeValidation, "unknown failure policy %q", fp)
	}
}

func validateVariable(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	p := step.Params
	requireString(p, "name", path, result)
	if name, _ := p["name"].(string); name == "steps" {
		result.AddError(path+".params.name", schema.ErrCodeValidation, "'steps' is reserved")
	}

	sources := 0
	for _, key := range []string{"value", "expression", "query"} {
		if _, ok := p[key]; ok {
			sources++
		}
	}
	if sources != 1 {
		result.AddError(path+".params", schema.ErrCodeValidation, "variable step needs exactly one of value, expression or query")
	}
	if q, ok := p["query"].(string); ok {
		if _, err := gojq.Parse(q); err != nil {
			result.AddErrorf(path+".params.query", schema.ErrCodeValidation, "invalid jq query: %v", err)
		}
	}

	switch scope, _ := p["scope"].(string); scope {
	case "", schema.ScopeStep, schema.ScopeProcess, schema.ScopeGlobal:
	default:
		result.AddErrorf(path+".params.scope", schema.ErrCodeValidation, "unknown scope %q", scope)
	}
}

func validateEngine(p map[string]any, path string, result *schema.ValidationResult) {
	switch engine, _ := p["engine"].(string); engine {
	case "", "expr", "cel":
	default:
		result.AddErrorf(path+".params.engine", schema.ErrCodeValidation, "unknown expression engine %q", engine)
	}
}

func requireString(p map[string]any, key, path string, result *schema.ValidationResult) {
	if s, ok := p[key].(string); !ok || s == "" {
		result.AddErrorf(path+".params."+key, schema.ErrCodeValidation, "missing required param '%s'", key)
	}
}

func validatePositive(p map[string]any, key, path string, result *schema.ValidationResult) {
	v, ok := p[key]
	if !ok {
		return
	}
	var n float64
	switch t := v.(type) {
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case float64:
		n = t
	case string:
		// a template resolved at run time
		return
	default:
		result.AddErrorf(path+".params."+key, schema.ErrCodeValidation, "'%s' must be a number", key)
		return
	}
	if n <= 0 {
		result.AddErrorf(path+".params."+key, schema.ErrCodeValidation, "'%s' must be greater than zero", key)
	}
}

func parseDuration(s, path string, result *schema.ValidationResult) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.AddErrorf(path, schema.ErrCodeValidation, "invalid duration %q", s)
		return 0
	}
	return d
}
