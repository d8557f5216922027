package transform

import (
	"bytes"
	"context"
	"fmt"

	"github.com/yuin/goldmark"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/plugin"
)

// MarkdownRender is a built-in package transform that renders a
// configured payload field from markdown to HTML into a second payload
// field, for routes
// that deliver to actors expecting HTML bodies (e.g. an email actor).
// Grounded on internal/email/compose.go's goldmark.Convert use for
// outgoing message bodies.
type MarkdownRender struct {
	sourceField string
	destField   string
}

// NewMarkdownRender constructs a MarkdownRender transform. Registered
// under the plugin name "markdown_render".
func NewMarkdownRender() *MarkdownRender {
	return &MarkdownRender{sourceField: "body", destField: "body_html"}
}

// Init reads config.field (default "body") and config.dest_field
// (default "body_html").
func (m *MarkdownRender) Init(config map[string]any) error {
	if f, ok := config["field"].(string); ok && f != "" {
		m.sourceField = f
	}
	if f, ok := config["dest_field"].(string); ok && f != "" {
		m.destField = f
	}
	return nil
}

// Execute clones e, converts the configured source field (if present
// and a string) to HTML, and stores it under the destination field.
// Per-event immutability is honored by cloning before writing. config
// is this route's override, shallow-merged over the base config
// already applied in Init; field/dest_field there take precedence for
// this call only, leaving m's own defaults untouched for other routes
// sharing the same instance.
func (m *MarkdownRender) Execute(ctx context.Context, e *envelope.Event, tc plugin.TransformContext, config map[string]any) (*envelope.Event, error) {
	sourceField := m.sourceField
	destField := m.destField
	if f, ok := config["field"].(string); ok && f != "" {
		sourceField = f
	}
	if f, ok := config["dest_field"].(string); ok && f != "" {
		destField = f
	}

	md, ok := e.Payload[sourceField].(string)
	if !ok {
		return e, nil
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("markdown_render: convert %s: %w", sourceField, err)
	}

	out := e.Clone()
	out.Payload[destField] = buf.String()
	return out, nil
}

// Shutdown is a no-op; MarkdownRender holds no resources.
func (m *MarkdownRender) Shutdown() error { return nil }
