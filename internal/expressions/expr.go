package expressions

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

var unknownNamePattern = regexp.MustCompile(`unknown name ([A-Za-z_][A-Za-z0-9_]*)`)

// ExprEngine implements Engine with expr-lang/expr. It is the default
// language of condition steps and while loops.
// Thread-safe: compiled programs are cached per expression and environment
// shape, because expr type-checks against the values it is compiled with.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return EngineExpr
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with
// data as its environment. Unknown identifiers are evaluation errors that
// name the identifier.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeEvaluation, "empty expression")
	}
	if data == nil {
		data = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	key := expression + "\x00" + envShape(data)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(data))
	if err != nil {
		ee := schema.NewErrorf(schema.ErrCodeEvaluation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
		if m := unknownNamePattern.FindStringSubmatch(err.Error()); m != nil {
			ee.WithDetails(map[string]any{"reference": m[1]})
		}
		return nil, ee
	}

	e.cache[key] = prg
	return prg, nil
}

// envShape renders the sorted names and dynamic types of an environment.
func envShape(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%T;", k, data[k])
	}
	return b.String()
}

var _ Engine = (*ExprEngine)(nil)
