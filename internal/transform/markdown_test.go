package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/plugin"
)

func TestMarkdownRenderConvertsConfiguredField(t *testing.T) {
	m := NewMarkdownRender()
	if err := m.Init(nil); err != nil {
		t.Fatal(err)
	}

	e, err := envelope.New("s1", envelope.TypeResourceChanged,
		envelope.Provenance{"platform": "test"},
		envelope.Payload{"body": "**hello**"}, "")
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Execute(context.Background(), e, plugin.TransformContext{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	html, ok := out.Payload["body_html"].(string)
	if !ok || !strings.Contains(html, "<strong>hello</strong>") {
		t.Fatalf("body_html = %v, want rendered <strong>", out.Payload["body_html"])
	}
	if _, stillString := e.Payload["body_html"]; stillString {
		t.Fatal("Execute must not mutate the input event")
	}
}

func TestMarkdownRenderPassesThroughWhenFieldMissing(t *testing.T) {
	m := NewMarkdownRender()
	if err := m.Init(nil); err != nil {
		t.Fatal(err)
	}

	e, err := envelope.New("s1", envelope.TypeResourceChanged, envelope.Provenance{"platform": "test"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Execute(context.Background(), e, plugin.TransformContext{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != e {
		t.Fatal("expected the original event to pass through unchanged")
	}
}

func TestMarkdownRenderHonorsConfiguredFieldNames(t *testing.T) {
	m := NewMarkdownRender()
	if err := m.Init(map[string]any{"field": "notes", "dest_field": "notes_html"}); err != nil {
		t.Fatal(err)
	}

	e, err := envelope.New("s1", envelope.TypeResourceChanged,
		envelope.Provenance{"platform": "test"},
		envelope.Payload{"notes": "*hi*"}, "")
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Execute(context.Background(), e, plugin.TransformContext{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := out.Payload["notes_html"]; !ok {
		t.Fatal("expected notes_html to be set")
	}
}

func TestMarkdownRenderPerCallConfigOverridesBaseFields(t *testing.T) {
	m := NewMarkdownRender()
	if err := m.Init(nil); err != nil {
		t.Fatal(err)
	}

	e, err := envelope.New("s1", envelope.TypeResourceChanged,
		envelope.Provenance{"platform": "test"},
		envelope.Payload{"summary": "*override me*"}, "")
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.Execute(context.Background(), e, plugin.TransformContext{}, map[string]any{
		"field":      "summary",
		"dest_field": "summary_html",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := out.Payload["summary_html"]; !ok {
		t.Fatal("expected summary_html to be set from the per-call config override")
	}
	if _, ok := out.Payload["body_html"]; ok {
		t.Fatal("base field name must not be used once the override is supplied")
	}

	// The instance's own base config must be untouched for other routes
	// sharing it.
	e2, err := envelope.New("s1", envelope.TypeResourceChanged,
		envelope.Provenance{"platform": "test"},
		envelope.Payload{"body": "*still base*"}, "")
	if err != nil {
		t.Fatal(err)
	}
	out2, err := m.Execute(context.Background(), e2, plugin.TransformContext{}, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if _, ok := out2.Payload["body_html"]; !ok {
		t.Fatal("expected the base field name to still apply when no override is given")
	}
}
