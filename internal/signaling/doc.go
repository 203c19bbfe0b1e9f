// Package signaling defines the JSON messages exchanged with the signaling
// relay and a WebSocket client for them.
//
// Messages are opaque to the relay apart from routing: join, leave and ring
// are scoped to a session, offer, answer and ice_candidate are directed at
// one participant, and roster updates and errors originate at the relay.
package signaling
