package expr

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize is the number of compiled expressions kept hot. Rule
// documents rarely carry more than a few dozen distinct expressions, so
// this comfortably covers live use plus editor churn.
const DefaultCacheSize = 256

// Compiled is an immutable, reusable compiled expression. Safe for
// concurrent evaluation against independent contexts.
type Compiled struct {
	Source string
	root   node
}

// Engine compiles and evaluates free-text expressions. Compilation is pure;
// successful compiles are memoized in an LRU keyed by source text so that
// re-evaluating the same rule costs only context substitution.
type Engine struct {
	cache  *lru.Cache[string, *Compiled]
	hits   atomic.Uint64
	misses atomic.Uint64
	log    zerolog.Logger
}

// Stats reports cache effectiveness for telemetry.
type Stats struct {
	CacheLen int
	Hits     uint64
	Misses   uint64
}

func NewEngine(log zerolog.Logger) *Engine {
	cache, _ := lru.New[string, *Compiled](DefaultCacheSize)
	return &Engine{cache: cache, log: log.With().Str("component", "expr").Logger()}
}

// Compile parses source into a reusable expression. Unknown function names
// and arity mismatches are compile errors, not runtime surprises.
func (e *Engine) Compile(source string) (*Compiled, error) {
	if cached, ok := e.cache.Get(source); ok {
		e.hits.Add(1)
		return cached, nil
	}
	e.misses.Add(1)
	root, err := parse(source, builtins)
	if err != nil {
		return nil, err
	}
	compiled := &Compiled{Source: source, root: root}
	e.cache.Add(source, compiled)
	return compiled, nil
}

// Evaluate runs a compiled expression and returns its raw value. Runtime
// faults come back as *EvalError.
func (e *Engine) Evaluate(compiled *Compiled, ctx Context) (any, error) {
	val, err := compiled.root.eval(ctx)
	if err != nil {
		if ee, ok := err.(*EvalError); ok {
			ee.Expr = compiled.Source
		}
		return nil, err
	}
	return val, nil
}

// EvalBool is the fail-safe boolean call site used by signal gating. Any
// runtime fault, including a non-boolean result, yields false; the fault is
// logged at warn level and never escapes, so one bad expression cannot
// poison the rest of a detection pass.
func (e *Engine) EvalBool(compiled *Compiled, ctx Context) bool {
	val, err := e.Evaluate(compiled, ctx)
	if err != nil {
		e.log.Warn().Str("expr", compiled.Source).Err(err).Msg("expression evaluation failed, treating as false")
		return false
	}
	b, ok := val.(bool)
	if !ok {
		e.log.Warn().Str("expr", compiled.Source).Str("kind", kindOf(val)).Msg("expression did not yield a boolean, treating as false")
		return false
	}
	return b
}

// Validate is the cheap authoring-feedback pass: lexical, syntactic and
// known-function checks only, no evaluation. It bypasses the cache so a
// stale entry can never mask a registry change.
func (e *Engine) Validate(source string) error {
	if _, err := parse(source, builtins); err != nil {
		return err
	}
	return nil
}

// Functions lists the registered builtin names, for diagnostics and editor
// completion.
func (e *Engine) Functions() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

func (e *Engine) Stats() Stats {
	return Stats{CacheLen: e.cache.Len(), Hits: e.hits.Load(), Misses: e.misses.Load()}
}

// MustCompile is a test helper; it panics on compile errors.
func MustCompile(e *Engine, source string) *Compiled {
	c, err := e.Compile(source)
	if err != nil {
		panic(fmt.Sprintf("MustCompile(%q): %v", source, err))
	}
	return c
}
