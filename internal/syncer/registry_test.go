package syncer

import (
	"reflect"
	"testing"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Collection{Tag: "expenses"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	col, ok := r.Lookup("expenses")
	if !ok {
		t.Fatal("registered collection not found")
	}
	if col.Resource != "expenses" {
		t.Errorf("resource = %q, want tag default %q", col.Resource, "expenses")
	}

	if err := r.Register(Collection{Tag: "expenses"}); err == nil {
		t.Error("duplicate registration expected error, got nil")
	}
	if err := r.Register(Collection{Tag: ""}); err == nil {
		t.Error("empty tag expected error, got nil")
	}
}

func TestRegistryCustomResource(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Collection{Tag: "income", Resource: "income_records"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	col, _ := r.Lookup("income")
	if col.Resource != "income_records" {
		t.Errorf("resource = %q, want income_records", col.Resource)
	}
}

func TestRegistryTagsSorted(t *testing.T) {
	r := NewRegistry()
	for _, tag := range []string{"savings", "expenses", "income"} {
		if err := r.Register(Collection{Tag: tag}); err != nil {
			t.Fatalf("Register(%q) failed: %v", tag, err)
		}
	}

	want := []string{"expenses", "income", "savings"}
	if got := r.Tags(); !reflect.DeepEqual(got, want) {
		t.Errorf("Tags() = %v, want %v", got, want)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	for _, tag := range []string{"expenses", "income"} {
		if _, ok := r.Lookup(tag); !ok {
			t.Errorf("default registry missing %q", tag)
		}
	}
	if _, ok := r.Lookup("bogus"); ok {
		t.Error("default registry resolved an unregistered tag")
	}
}
