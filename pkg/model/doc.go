// Package model defines the data structures the relay network exchanges:
// peer announcements, SPSP handshake payloads, balance proofs, connector
// registrations and node activity events.
//
// # Event Kinds
//
// Four nostr kinds carry the protocol:
//
//	10032  kind-10032 peer info: a replaceable announcement whose content is
//	       an IlpPeerInfo JSON document (ILP address, BTP endpoint, asset,
//	       supported chains, settlement addresses, token networks)
//	10047  SPSP receiver info: a replaceable SpspInfo document telling
//	       payers the node negotiates SPSP through encrypted nostr events
//	23194  SPSP request: an ephemeral envelope whose content is a NIP-44
//	       encrypted SpspRequest addressed to the receiving node
//	23195  SPSP response: the matching encrypted SpspResponse
//
// # Peer Info
//
// IlpPeerInfo is what a node announces and what discovery validates.
// Chain identifiers use the "evm:<name>:<id>" form; ChainID parses the
// numeric id out of one:
//
//	info := model.IlpPeerInfo{
//		ILPAddress:      "g.relay.alice",
//		AssetCode:       "USD",
//		AssetScale:      9,
//		SupportedChains: []string{"evm:base:8453"},
//	}
//
// # Handshakes
//
// SpspRequest carries the sender's identity and the settlement terms it
// proposes; SpspResponse answers with the negotiated chain, the channel
// the receiver opened and the destination account for packets. RequestID
// correlates the two across the encrypted round trip.
//
// # Balance Proofs
//
// BalanceProof is the EIP-712 message a payer signs over its cumulative
// channel spend; SignedBalanceProof attaches the signature. Verification
// recovers the payer address and checks monotonicity, so one proof can be
// replayed to the connector without risk.
//
// # Activity
//
// ActivityEvent is the observer-facing record of node lifecycle moments:
// announcements, peering phases, failures. Consumers subscribe through the
// bootstrap service.
package model
