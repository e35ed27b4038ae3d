package pipeline

import (
	"testing"

	"github.com/colinhiggs/japi/core/api"
)

func record(log *[]string, name string) Handler {
	return func(c *Context) *api.Error {
		*log = append(*log, name)
		return nil
	}
}

func TestPipeline_StageOrder(t *testing.T) {

	var log []string
	b := NewBuilder().
		Append(StageAlterDocument, record(&log, "doc")).
		Append(StageAlterRequest, record(&log, "req")).
		Append(StageExecute, record(&log, "exec")).
		Append(StageValidateResponse, record(&log, "resp")).
		Append(StageValidateRequest, record(&log, "validate"))

	if err := b.Build().Run(&Context{}); err != nil {
		t.Fatal(err)
	}
	want := []string{"req", "validate", "exec", "doc", "resp"}
	if len(log) != len(want) {
		t.Fatalf("got %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("stage order wrong: got %v", log)
		}
	}
}

func TestPipeline_PrependAndPop(t *testing.T) {

	var log []string
	b := NewBuilder().
		Append(StageExecute, record(&log, "second")).
		Prepend(StageExecute, record(&log, "first")).
		Append(StageExecute, record(&log, "dropped"))

	if h := b.Pop(StageExecute); h == nil {
		t.Fatal("expected handler from Pop")
	}
	if err := b.Build().Run(&Context{}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 2 || log[0] != "first" || log[1] != "second" {
		t.Fatalf("got %v", log)
	}

	if h := b.PopLeft(StageExecute); h == nil {
		t.Fatal("expected handler from PopLeft")
	}
	log = nil
	if err := b.Build().Run(&Context{}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 || log[0] != "second" {
		t.Fatalf("got %v", log)
	}
}

func TestPipeline_ErrorAborts(t *testing.T) {

	var log []string
	p := NewBuilder().
		Append(StageAlterRequest, record(&log, "before")).
		Append(StageValidateRequest, func(c *Context) *api.Error {
			return api.Errorf(api.KindMalformedRequest, "bad request")
		}).
		Append(StageExecute, record(&log, "after")).
		Build()

	err := p.Run(&Context{})
	if err == nil || err.Kind != api.KindMalformedRequest {
		t.Fatalf("expected malformed request, got %v", err)
	}
	if len(log) != 1 || log[0] != "before" {
		t.Fatalf("later stages must not run, got %v", log)
	}
}

func TestPipeline_BuildSnapshots(t *testing.T) {

	var log []string
	b := NewBuilder().Append(StageExecute, record(&log, "one"))
	first := b.Build()
	b.Append(StageExecute, record(&log, "two"))

	if err := first.Run(&Context{}); err != nil {
		t.Fatal(err)
	}
	if len(log) != 1 {
		t.Fatalf("snapshot changed after build: %v", log)
	}
}

func TestPipeline_UnknownStagePanics(t *testing.T) {

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown stage")
		}
	}()
	NewBuilder().Append("no_such_stage", func(c *Context) *api.Error { return nil })
}

func TestContext_Values(t *testing.T) {

	c := &Context{}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected value")
	}
	c.Set("key", 42)
	value, ok := c.Get("key")
	if !ok || value.(int) != 42 {
		t.Fatal("stored value lost")
	}
}
