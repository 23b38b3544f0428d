// Package quay is an agent runtime: a host that drives LLM conversations
// which may invoke external tools, enforcing permission policies, approval
// gating, streaming observability, durable resumability, and concurrent
// session management.
//
// The core pieces are the Agent (turn loop), the EventBus (ordered, durable
// publish/subscribe over per-agent event logs), the tool dispatcher with its
// approval gate, the Store (WAL-protected persistence), and the Pool (at most
// one live instance per agent id). Everything else — the HTTP transport, the
// concrete model providers, the concrete tools — plugs in at the Provider,
// Sandbox, Store, and ToolDescriptor boundaries.
package quay
