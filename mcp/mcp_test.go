package mcp

import (
	"context"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/quayrun/quay"
)

func TestFlattenContent(t *testing.T) {
	got := flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first"},
		&mcpgo.TextContent{Type: "text", Text: "second"},
	})
	if got != "first\nsecond" {
		t.Fatalf("flattened = %q", got)
	}
	if got := flattenContent(nil); got != "" {
		t.Fatalf("empty = %q", got)
	}
	// Non-text parts keep a placeholder instead of vanishing.
	got = flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "a"},
		mcpgo.ImageContent{Type: "image"},
	})
	if got != "a\n[mcp.ImageContent]" {
		t.Fatalf("mixed = %q", got)
	}
}

func TestNewClientRejectsUnknownTransport(t *testing.T) {
	_, err := newClient(ServerConfig{Transport: "carrier-pigeon"})
	if err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestConnectRequiresName(t *testing.T) {
	m := NewManager(quay.NewRegistry())
	if err := m.Connect(context.Background(), ServerConfig{}); err == nil {
		t.Fatal("unnamed server accepted")
	}
}

func TestCloseWithoutServersIsNoop(t *testing.T) {
	m := NewManager(quay.NewRegistry())
	m.Close()
}
