package bus

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/bridgelabs/genesis/pkg/contracts"
)

// filterEnv compiles subscription filters against a fixed CEL environment
// and caches the programs, so repeated subscriptions with the same
// expression share one compilation.
type filterEnv struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newFilterEnv() (*filterEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("topic", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}
	return &filterEnv{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

func (f *filterEnv) compile(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, hit := f.cache[expr]
	f.mu.RUnlock()
	if hit {
		return prg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Double check
	if prg, hit = f.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := f.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000), // Hard limit on computational complexity
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	f.cache[expr] = p
	return p, nil
}

func evalFilter(prg cel.Program, env contracts.Envelope) (bool, error) {
	out, _, err := prg.Eval(map[string]any{
		"topic":   env.Topic,
		"kind":    string(env.Kind),
		"source":  env.Source,
		"payload": env.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
