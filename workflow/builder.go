package workflow

import (
	"fmt"

	"github.com/loomery/loom"
)

// InputKey is the reserved key under which the transaction's initial
// input is stored in the output map. Step names may not collide with it.
const InputKey = "input"

// Outputs is the accumulated result map of a transaction: the initial
// input under [InputKey] plus each succeeded step's output under the
// step's name. Guards and transforms read from it; steps receive their
// resolved input directly.
type Outputs map[string]any

// Input returns the transaction's initial input.
func (o Outputs) Input() any { return o[InputKey] }

// Of returns the output of the named step and whether it has run.
func (o Outputs) Of(step string) (any, bool) {
	v, ok := o[step]
	return v, ok
}

// GuardFunc decides whether a branch arm applies, given the outputs
// accumulated so far. Guards must be pure: the orchestrator evaluates
// them once, persists the decision, and never re-evaluates on resume.
type GuardFunc func(o Outputs) bool

// TransformFunc reshapes the accumulated outputs into the next step's
// input. Transforms must be pure; unlike guards they are re-evaluated
// on resume, so any side effect would repeat.
type TransformFunc func(o Outputs) any

// ─────────────────────────────────────────────────────────────────────────────
// Nodes
// ─────────────────────────────────────────────────────────────────────────────

// Node is an element of a workflow's execution sequence.
type Node interface{ node() }

// StepNode executes a single step.
type StepNode struct {
	Step *StepDefinition
}

func (StepNode) node() {}

// TransformNode reshapes accumulated outputs into the next step's input.
// Transforms produce no durable record of their own.
type TransformNode struct {
	Transform TransformFunc
}

func (TransformNode) node() {}

// BranchNode selects one arm by evaluating guards in declaration order.
// Name keys the persisted decision on the transaction.
type BranchNode struct {
	Name string
	Arms []*Arm
}

func (BranchNode) node() {}

// Arm is one guarded alternative inside a branch. A nil Guard matches
// unconditionally and serves as the default arm.
type Arm struct {
	Guard GuardFunc
	Nodes []Node
}

// When starts a branch arm that applies if guard returns true.
func When(guard GuardFunc) *Arm {
	return &Arm{Guard: guard}
}

// Otherwise starts a branch arm that always applies. Place it last; arms
// are evaluated in order and the first match wins.
func Otherwise() *Arm {
	return &Arm{}
}

// Then appends a step to the arm.
func (a *Arm) Then(step *StepDefinition) *Arm {
	a.Nodes = append(a.Nodes, StepNode{Step: step})
	return a
}

// Transform appends a transform to the arm.
func (a *Arm) Transform(fn TransformFunc) *Arm {
	a.Nodes = append(a.Nodes, TransformNode{Transform: fn})
	return a
}

// ─────────────────────────────────────────────────────────────────────────────
// Builder
// ─────────────────────────────────────────────────────────────────────────────

// Builder composes a workflow definition through a fluent chain. Builders
// are single-use and not safe for concurrent mutation; build once and
// register the resulting [Definition].
type Builder struct {
	id    string
	nodes []Node
	errs  []error
}

// New starts building a workflow with the given id.
func New(id string) *Builder {
	b := &Builder{id: id}
	if id == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow: id is required"))
	}
	return b
}

// Then appends a step to the workflow.
func (b *Builder) Then(step *StepDefinition) *Builder {
	if step == nil {
		b.errs = append(b.errs, fmt.Errorf("workflow %q: nil step", b.id))
		return b
	}
	b.nodes = append(b.nodes, StepNode{Step: step})
	return b
}

// Transform appends a transform that reshapes accumulated outputs into
// the next step's input.
func (b *Builder) Transform(fn TransformFunc) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("workflow %q: nil transform", b.id))
		return b
	}
	b.nodes = append(b.nodes, TransformNode{Transform: fn})
	return b
}

// Branch appends a guarded branch. Arms are evaluated in order and the
// first matching arm's steps join the execution sequence; the decision
// is persisted on the transaction and never re-evaluated.
func (b *Builder) Branch(name string, arms ...*Arm) *Builder {
	if name == "" {
		b.errs = append(b.errs, fmt.Errorf("workflow %q: branch name is required", b.id))
		return b
	}
	if len(arms) == 0 {
		b.errs = append(b.errs, fmt.Errorf("workflow %q: branch %q has no arms", b.id, name))
		return b
	}
	b.nodes = append(b.nodes, BranchNode{Name: name, Arms: arms})
	return b
}

// Build validates the composed workflow and returns its definition.
// Validation rejects empty workflows, duplicate step names, steps named
// [InputKey], and duplicate branch names.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("workflow %q: %w", b.id, loom.ErrEmptyWorkflow)
	}

	def := &Definition{
		ID:    b.id,
		Nodes: b.nodes,
		steps: make(map[string]*StepDefinition),
	}
	branches := make(map[string]struct{})
	if err := def.index(b.nodes, branches); err != nil {
		return nil, err
	}
	if len(def.stepOrder) == 0 {
		return nil, fmt.Errorf("workflow %q: %w", b.id, loom.ErrEmptyWorkflow)
	}
	return def, nil
}

// MustBuild is Build that panics on error. Intended for package-level
// workflow variables where a malformed definition is a programming bug.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// Definition
// ─────────────────────────────────────────────────────────────────────────────

// Definition is a validated, immutable workflow. Safe for concurrent use.
type Definition struct {
	// ID is the workflow's registry key, e.g. "send-partner-order".
	ID string

	// Nodes is the top-level execution sequence.
	Nodes []Node

	steps     map[string]*StepDefinition
	stepOrder []string
}

// index walks the node tree collecting steps and validating uniqueness.
func (d *Definition) index(nodes []Node, branches map[string]struct{}) error {
	for _, n := range nodes {
		switch node := n.(type) {
		case StepNode:
			step := node.Step
			if step.Name == "" {
				return fmt.Errorf("workflow %q: step name is required", d.ID)
			}
			if step.Name == InputKey {
				return fmt.Errorf("workflow %q: step name %q is reserved", d.ID, InputKey)
			}
			if step.Invoke == nil {
				return fmt.Errorf("workflow %q: step %q has no invoke function", d.ID, step.Name)
			}
			if _, exists := d.steps[step.Name]; exists {
				return fmt.Errorf("workflow %q: step %q: %w", d.ID, step.Name, loom.ErrDuplicateStepName)
			}
			d.steps[step.Name] = step
			d.stepOrder = append(d.stepOrder, step.Name)
		case BranchNode:
			if _, exists := branches[node.Name]; exists {
				return fmt.Errorf("workflow %q: duplicate branch name %q", d.ID, node.Name)
			}
			branches[node.Name] = struct{}{}
			for i, arm := range node.Arms {
				if arm == nil {
					return fmt.Errorf("workflow %q: branch %q: nil arm", d.ID, node.Name)
				}
				if err := d.index(arm.Nodes, branches); err != nil {
					return fmt.Errorf("branch %q arm %d: %w", node.Name, i, err)
				}
			}
		case TransformNode:
			if node.Transform == nil {
				return fmt.Errorf("workflow %q: nil transform", d.ID)
			}
		}
	}
	return nil
}

// Step returns the step definition with the given name.
func (d *Definition) Step(name string) (*StepDefinition, error) {
	step, ok := d.steps[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: step %q: %w", d.ID, name, loom.ErrUnknownStep)
	}
	return step, nil
}

// StepNames returns all step names in declaration order, across every
// branch arm. Useful for introspection; the executed sequence depends
// on branch decisions.
func (d *Definition) StepNames() []string {
	out := make([]string, len(d.stepOrder))
	copy(out, d.stepOrder)
	return out
}
