// Package relay is the signaling relay: it tracks which participants are
// connected, which sessions they have joined, and routes addressed messages
// between them.
//
// The relay never inspects negotiation payloads. It only enforces envelope
// validity, rewrites the sender to the authenticated identity, and reports
// undeliverable directed messages back to the sender.
package relay
