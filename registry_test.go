package quay

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool("a")); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
	if err := r.Register(ToolDescriptor{Name: "", Invoke: echoTool("x").Invoke}); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := r.Register(ToolDescriptor{Name: "noop"}); err == nil {
		t.Fatal("nil invoker accepted")
	}
}

func TestRegistryGetAndUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("a"); err != nil {
		t.Fatal(err)
	}
	r.Unregister("a")
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	r.Unregister("never-existed") // no-op
}

func TestRegistryValidatesInputSchema(t *testing.T) {
	r := NewRegistry()
	d := echoTool("typed")
	d.InputSchema = json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}

	if err := r.Validate("typed", json.RawMessage(`{"path":"a.txt"}`)); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	if err := r.Validate("typed", json.RawMessage(`{}`)); err == nil {
		t.Fatal("missing required field accepted")
	}
	if err := r.Validate("typed", json.RawMessage(`{"path":7}`)); err == nil {
		t.Fatal("wrong type accepted")
	}
	if err := r.Validate("typed", json.RawMessage(`not json`)); err == nil {
		t.Fatal("malformed input accepted")
	}

	// Tools without a schema accept anything.
	if err := r.Register(echoTool("loose")); err != nil {
		t.Fatal(err)
	}
	if err := r.Validate("loose", json.RawMessage(`{"whatever":true}`)); err != nil {
		t.Fatalf("schemaless tool rejected input: %v", err)
	}
}

func TestRegistrySchemas(t *testing.T) {
	r := NewRegistry()
	d := echoTool("a")
	d.Description = "does a"
	d.InputSchema = json.RawMessage(`{"type":"object"}`)
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	schemas := r.Schemas()
	if len(schemas) != 1 || schemas[0].Name != "a" || schemas[0].Description != "does a" {
		t.Fatalf("schemas = %+v", schemas)
	}
}
