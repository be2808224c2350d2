package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRegistryRegisterResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("SalesOrderCreated", func(context.Context, []byte, string) error { return nil })

	if _, ok := r.Resolve("SalesOrderCreated"); !ok {
		t.Fatal("expected registered handler to resolve")
	}
	if _, ok := r.Resolve("EmployeeCreated"); ok {
		t.Fatal("expected unregistered type to not resolve")
	}
}

func TestRegistryDuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("SalesOrderCreated", func(context.Context, []byte, string) error { return nil })

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate handler registration")
		}
	}()
	r.Register("SalesOrderCreated", func(context.Context, []byte, string) error { return nil })
}

func TestPermanentClassification(t *testing.T) {
	base := errors.New("employee already on file")

	if !IsPermanent(Permanent(base)) {
		t.Error("Permanent(err) must classify as permanent")
	}
	if !IsPermanent(fmt.Errorf("apply event: %w", Permanent(base))) {
		t.Error("wrapped permanent errors must stay permanent")
	}
	if IsPermanent(base) {
		t.Error("plain errors must be retryable")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent must wrap the original error")
	}
}
