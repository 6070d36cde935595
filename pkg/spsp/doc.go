// Package spsp implements the setup handshake that precedes paid traffic
// between two nodes. A requester who has discovered a peer's kind-10032
// info sends a kind-23194 event inside an unpaid ILP packet; the receiver
// answers with a kind-23195 event inside the fulfillment. After the
// exchange the requester holds a destination account, a shared secret and
// an open payment channel it can attach balance proofs to.
//
// # Flow
//
// The receiving side (Handler) decrypts the request, picks the first chain
// from its own preference order that the requester also supports and has a
// settlement address for, opens a payment channel toward that address
// through the connector and polls until the channel reports open. It then
// registers the channel with the claim verifier so subsequent paid packets
// can be checked, registers the requester as a routable peer on the
// connector, and returns the encrypted response event.
//
// The sending side (client functions) builds the request event and parses
// the response. Correlation is by the requestId carried inside the
// encrypted bodies, never by event ids, so a relay that reorders events
// cannot confuse two concurrent handshakes.
//
// # Encryption
//
// Bodies are NIP-44 encrypted under the conversation key of the two nodes'
// Nostr identities. The events themselves are signed like any other event;
// an intermediary sees only that two pubkeys are negotiating, not the
// terms.
package spsp
