package workflow_test

import (
	"errors"
	"testing"

	"github.com/loomery/loom"
	"github.com/loomery/loom/workflow"
)

func noopStep(name string) *workflow.StepDefinition {
	return workflow.NewStep(name, func(ctx *workflow.StepContext, input any) (any, error) {
		return nil, nil
	})
}

func TestBuild_LinearWorkflow(t *testing.T) {
	def, err := workflow.New("order").
		Then(noopStep("validate")).
		Then(noopStep("reserve")).
		Then(noopStep("charge")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if def.ID != "order" {
		t.Errorf("ID = %q, want %q", def.ID, "order")
	}
	want := []string{"validate", "reserve", "charge"}
	got := def.StepNames()
	if len(got) != len(want) {
		t.Fatalf("StepNames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("StepNames[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuild_EmptyWorkflow(t *testing.T) {
	_, err := workflow.New("empty").Build()
	if !errors.Is(err, loom.ErrEmptyWorkflow) {
		t.Errorf("Build error = %v, want ErrEmptyWorkflow", err)
	}
}

func TestBuild_TransformOnlyWorkflow(t *testing.T) {
	_, err := workflow.New("transforms").
		Transform(func(o workflow.Outputs) any { return o.Input() }).
		Build()
	if !errors.Is(err, loom.ErrEmptyWorkflow) {
		t.Errorf("Build error = %v, want ErrEmptyWorkflow", err)
	}
}

func TestBuild_DuplicateStepName(t *testing.T) {
	_, err := workflow.New("dup").
		Then(noopStep("reserve")).
		Then(noopStep("reserve")).
		Build()
	if !errors.Is(err, loom.ErrDuplicateStepName) {
		t.Errorf("Build error = %v, want ErrDuplicateStepName", err)
	}
}

func TestBuild_DuplicateAcrossBranchArms(t *testing.T) {
	_, err := workflow.New("dup-branch").
		Then(noopStep("validate")).
		Branch("route",
			workflow.When(func(o workflow.Outputs) bool { return true }).Then(noopStep("ship")),
			workflow.Otherwise().Then(noopStep("ship")),
		).
		Build()
	if !errors.Is(err, loom.ErrDuplicateStepName) {
		t.Errorf("Build error = %v, want ErrDuplicateStepName", err)
	}
}

func TestBuild_ReservedStepName(t *testing.T) {
	_, err := workflow.New("reserved").
		Then(noopStep(workflow.InputKey)).
		Build()
	if err == nil {
		t.Fatal("Build accepted a step named after the reserved input key")
	}
}

func TestBuild_MissingWorkflowID(t *testing.T) {
	_, err := workflow.New("").Then(noopStep("a")).Build()
	if err == nil {
		t.Fatal("Build accepted an empty workflow id")
	}
}

func TestBuild_NilStep(t *testing.T) {
	_, err := workflow.New("nil-step").Then(nil).Build()
	if err == nil {
		t.Fatal("Build accepted a nil step")
	}
}

func TestBuild_BranchWithoutArms(t *testing.T) {
	_, err := workflow.New("armless").
		Then(noopStep("a")).
		Branch("route").
		Build()
	if err == nil {
		t.Fatal("Build accepted a branch with no arms")
	}
}

func TestBuild_DuplicateBranchName(t *testing.T) {
	_, err := workflow.New("dup-branches").
		Then(noopStep("a")).
		Branch("route", workflow.Otherwise().Then(noopStep("b"))).
		Branch("route", workflow.Otherwise().Then(noopStep("c"))).
		Build()
	if err == nil {
		t.Fatal("Build accepted duplicate branch names")
	}
}

func TestDefinition_StepLookup(t *testing.T) {
	def := workflow.New("lookup").
		Then(noopStep("validate")).
		MustBuild()

	if _, err := def.Step("validate"); err != nil {
		t.Errorf("Step(validate): %v", err)
	}
	if _, err := def.Step("missing"); !errors.Is(err, loom.ErrUnknownStep) {
		t.Errorf("Step(missing) error = %v, want ErrUnknownStep", err)
	}
}

func TestMustBuild_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustBuild did not panic on an empty workflow")
		}
	}()
	workflow.New("bad").MustBuild()
}

func TestOutputs_Accessors(t *testing.T) {
	o := workflow.Outputs{
		workflow.InputKey: map[string]any{"sku": "A-1"},
		"reserve":         map[string]any{"id": "r-9"},
	}

	if o.Input() == nil {
		t.Error("Input() = nil, want initial input")
	}
	if _, ok := o.Of("reserve"); !ok {
		t.Error("Of(reserve) not found")
	}
	if _, ok := o.Of("charge"); ok {
		t.Error("Of(charge) found, want missing")
	}
}
