package analysis

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/me/weft/internal/formats"
	"github.com/me/weft/internal/registry"
	"github.com/me/weft/pkg/model"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := formats.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func nativeDef() model.Analysis {
	return model.Analysis{
		ID:      "add",
		Mode:    model.ModeNative,
		Inputs:  []model.Port{{Name: "a", Type: "number", Format: "number"}, {Name: "b", Type: "number", Format: "number", Default: 1.0}},
		Outputs: []model.Port{{Name: "sum", Type: "number", Format: "number"}},
		Native:  &model.NativePayload{Function: "number.add"},
	}
}

func TestNew_Valid(t *testing.T) {
	reg := testRegistry(t)
	def := nativeDef()
	a, err := New(reg, def)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	def.Inputs[0].Name = "mutated"
	def.Native.Function = "mutated"
	if a.Inputs[0].Name != "a" || a.Native.Function != "number.add" {
		t.Error("New did not copy the definition")
	}
}

func TestNew_Rejects(t *testing.T) {
	reg := testRegistry(t)
	tests := []struct {
		name   string
		mutate func(*model.Analysis)
		want   string
	}{
		{"missing id", func(a *model.Analysis) { a.ID = "" }, "id is required"},
		{"unknown format", func(a *model.Analysis) { a.Inputs[0].Format = "roman" }, "unknown format number/roman"},
		{"unknown type", func(a *model.Analysis) { a.Outputs[0].Type = "matrix" }, "unknown format"},
		{"duplicate port", func(a *model.Analysis) { a.Inputs[1].Name = "a" }, "duplicate input port"},
		{"bad mode", func(a *model.Analysis) { a.Mode = "quantum" }, "unknown mode"},
		{"missing payload", func(a *model.Analysis) { a.Native = nil }, "requires a native payload"},
		{"extra payload", func(a *model.Analysis) {
			a.Script = &model.ScriptPayload{Language: "javascript", Script: "x"}
		}, "carries a interpreter payload"},
		{"invalid default", func(a *model.Analysis) { a.Inputs[1].Default = "one" }, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := nativeDef()
			tt.mutate(&def)
			_, err := New(reg, def)
			if err == nil {
				t.Fatal("New succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestNew_UnknownFormatIsTyped(t *testing.T) {
	def := nativeDef()
	def.Inputs[0].Format = "roman"
	_, err := New(testRegistry(t), def)
	var uf *model.UnknownFormatError
	if !errors.As(err, &uf) || uf.Port != "a" {
		t.Errorf("err = %v, want UnknownFormatError on port a", err)
	}
}

func TestNew_DefaultSkippedWithoutAutoValidate(t *testing.T) {
	off := false
	def := nativeDef()
	def.Inputs[1].Default = "one"
	def.Inputs[1].AutoValidate = &off
	if _, err := New(testRegistry(t), def); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestNew_WorkflowPayload(t *testing.T) {
	reg := testRegistry(t)
	def := model.Analysis{
		ID:      "wrapped",
		Mode:    model.ModeWorkflow,
		Inputs:  []model.Port{{Name: "x", Type: "number", Format: "number"}},
		Outputs: []model.Port{{Name: "y", Type: "number", Format: "number"}},
		Workflow: &model.WorkflowPayload{
			Spec:    &model.WorkflowSpec{Nodes: []model.NodeSpec{{ID: "inner", Analysis: "add"}}},
			Inputs:  map[string]string{"x": "inner/a"},
			Outputs: map[string]string{"y": "inner/sum"},
		},
	}
	if _, err := New(reg, def); err != nil {
		t.Fatalf("New: %v", err)
	}

	def.Workflow.Outputs = map[string]string{}
	if _, err := New(reg, def); err == nil {
		t.Error("New accepted an unmapped output")
	}
}

func TestCatalog(t *testing.T) {
	reg := testRegistry(t)
	c := NewCatalog()
	if _, err := c.Add(reg, nativeDef()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := c.Add(reg, nativeDef()); err == nil {
		t.Error("duplicate Add succeeded")
	}
	other := nativeDef()
	other.ID = "aaa"
	if _, err := c.Add(reg, other); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := c.List()
	if len(list) != 2 || list[0].ID != "aaa" || list[1].ID != "add" {
		t.Errorf("List = %v", list)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) found something")
	}
}

func TestCatalog_Concurrent(t *testing.T) {
	reg := testRegistry(t)
	c := NewCatalog()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def := nativeDef()
			def.ID = string(rune('a' + i))
			if _, err := c.Add(reg, def); err != nil {
				t.Error(err)
			}
			c.List()
		}(i)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Errorf("Len = %d, want 8", c.Len())
	}
}
