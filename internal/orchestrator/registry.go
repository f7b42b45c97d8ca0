package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/handoffd/internal/contract"
	"github.com/fyrsmithlabs/handoffd/internal/guardrail"
	"github.com/fyrsmithlabs/handoffd/internal/logging"
	"github.com/fyrsmithlabs/handoffd/internal/provider"
)

// stage is a registered descriptor with its compiled collaborators.
type stage struct {
	desc   StageDescriptor
	input  *contract.Schema
	output *contract.Schema
	gate   *guardrail.Gate
	chain  *provider.Chain
}

// Registry holds stage descriptors. Registration is configuration time:
// malformed schemas, empty provider lists and routing ambiguity are
// rejected here and never surface during task processing. After Seal the
// registry is immutable and safely shared across pipelines.
type Registry struct {
	attemptTimeout time.Duration
	chainDeadline  time.Duration
	log            *logging.Logger

	mu     sync.RWMutex
	stages map[string]*stage
	sealed bool
}

// NewRegistry creates an empty registry. The timeouts bound each
// provider attempt and each whole chain execution for every stage.
func NewRegistry(attemptTimeout, chainDeadline time.Duration, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		attemptTimeout: attemptTimeout,
		chainDeadline:  chainDeadline,
		log:            log,
		stages:         make(map[string]*stage),
	}
}

// RegisterStage validates and registers a stage descriptor.
func (r *Registry) RegisterStage(desc StageDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}
	if desc.Name == "" {
		return fmt.Errorf("stage name must not be empty")
	}
	if _, dup := r.stages[desc.Name]; dup {
		return fmt.Errorf("stage %q already registered", desc.Name)
	}
	if desc.Selector == nil {
		return fmt.Errorf("stage %q: selector is required", desc.Name)
	}

	var input *contract.Schema
	if len(desc.InputSchema) > 0 {
		var err error
		input, err = contract.Compile(desc.Name+".input", desc.InputSchema)
		if err != nil {
			return fmt.Errorf("stage %q: %w", desc.Name, err)
		}
	}

	output, err := contract.Compile(desc.Name+".output", desc.OutputSchema)
	if err != nil {
		return fmt.Errorf("stage %q: %w", desc.Name, err)
	}

	gate, err := guardrail.NewGate(desc.Guardrails)
	if err != nil {
		return fmt.Errorf("stage %q: %w", desc.Name, err)
	}

	chain, err := provider.NewChain(desc.Name, desc.Providers, output, r.attemptTimeout, r.chainDeadline, r.log)
	if err != nil {
		return fmt.Errorf("stage %q: %w", desc.Name, err)
	}

	seen := make(map[string]struct{}, len(desc.NextStages))
	for _, next := range desc.NextStages {
		if next == "" {
			return fmt.Errorf("stage %q: empty handoff target", desc.Name)
		}
		if _, dup := seen[next]; dup {
			return fmt.Errorf("stage %q: duplicate handoff target %q", desc.Name, next)
		}
		seen[next] = struct{}{}
	}

	r.stages[desc.Name] = &stage{
		desc:   desc,
		input:  input,
		output: output,
		gate:   gate,
		chain:  chain,
	}
	return nil
}

// Seal verifies cross-stage references and freezes the registry. Every
// declared handoff target must be a registered stage, so a dangling
// target is caught here instead of during task processing.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil
	}
	if len(r.stages) == 0 {
		return fmt.Errorf("registry has no stages")
	}
	for name, st := range r.stages {
		for _, next := range st.desc.NextStages {
			if _, ok := r.stages[next]; !ok {
				return fmt.Errorf("stage %q: handoff target %q is not registered", name, next)
			}
		}
	}
	r.sealed = true
	return nil
}

// Sealed reports whether the registry accepts no further registration.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// lookup returns the registered stage, or false if unknown.
func (r *Registry) lookup(name string) (*stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[name]
	return st, ok
}

// allows reports whether from may hand off to target.
func (s *stage) allows(target string) bool {
	for _, next := range s.desc.NextStages {
		if next == target {
			return true
		}
	}
	return false
}
