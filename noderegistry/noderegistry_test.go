package noderegistry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/noderegistry"
	"github.com/cortexflow/engine/taskcontext"
)

type plainNode struct{}

func (plainNode) Process(context.Context, *taskcontext.TaskContext) error { return nil }

type routerNode struct{ plainNode }

func (routerNode) Route(context.Context, *taskcontext.TaskContext) (string, bool) { return "", false }

type parallelNode struct{ plainNode }

func (parallelNode) ExecuteParallel(context.Context, *taskcontext.TaskContext) ([]*taskcontext.TaskContext, error) {
	return nil, nil
}

func TestRegisterComputesCapabilities(t *testing.T) {
	reg := noderegistry.New()
	if err := reg.Register("plain", plainNode{}); err != nil {
		t.Fatalf("Register plain: %v", err)
	}
	if err := reg.Register("router", routerNode{}); err != nil {
		t.Fatalf("Register router: %v", err)
	}
	if err := reg.Register("parallel", parallelNode{}); err != nil {
		t.Fatalf("Register parallel: %v", err)
	}

	_, caps, ok := reg.Get("router")
	if !ok || !caps.IsRouter {
		t.Errorf("router node: caps = %+v, ok=%v, want IsRouter=true", caps, ok)
	}
	_, caps, ok = reg.Get("parallel")
	if !ok || !caps.IsParallel {
		t.Errorf("parallel node: caps = %+v, ok=%v, want IsParallel=true", caps, ok)
	}
	_, caps, ok = reg.Get("plain")
	if !ok || caps.IsRouter || caps.IsParallel {
		t.Errorf("plain node: caps = %+v, want all false", caps)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	reg := noderegistry.New()
	if err := reg.Register("a", plainNode{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register("a", plainNode{})
	var cfg *errs.ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestRegisterRejectsAfterSeal(t *testing.T) {
	reg := noderegistry.New()
	reg.Seal()
	if !reg.Sealed() {
		t.Fatal("Sealed() = false after Seal()")
	}
	if err := reg.Register("a", plainNode{}); err == nil {
		t.Fatal("expected Register to fail on a sealed registry")
	}
}

func TestHasAndGetReflectRegisteredState(t *testing.T) {
	reg := noderegistry.New()
	if reg.Has("missing") {
		t.Error("Has(missing) = true before registration")
	}
	_ = reg.Register("a", plainNode{})
	if !reg.Has("a") {
		t.Error("Has(a) = false after registration")
	}
	if _, _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) ok = true, want false")
	}
}

func TestIDsReturnsEveryRegisteredNode(t *testing.T) {
	reg := noderegistry.New()
	_ = reg.Register("a", plainNode{})
	_ = reg.Register("b", plainNode{})

	ids := reg.IDs()
	if len(ids) != 2 {
		t.Fatalf("len(IDs()) = %d, want 2", len(ids))
	}
}

func TestMustGetPanicsOnMissingNode(t *testing.T) {
	reg := noderegistry.New()
	defer func() {
		if recover() == nil {
			t.Error("expected MustGet to panic for an unregistered node")
		}
	}()
	reg.MustGet("missing")
}

func TestNodeFuncAdaptsPlainFunction(t *testing.T) {
	called := false
	fn := noderegistry.NodeFunc(func(context.Context, *taskcontext.TaskContext) error {
		called = true
		return nil
	})
	if err := fn.Process(context.Background(), nil); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !called {
		t.Error("expected the wrapped function to run")
	}
}
