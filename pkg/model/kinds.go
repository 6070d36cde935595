package model

// Nostr event kinds owned by the ILP peering layer.
const (
	// KindIlpPeerInfo is the replaceable event whose content advertises a
	// peer's ILP connectivity and settlement capabilities.
	KindIlpPeerInfo = 10032

	// KindSpspInfo is the replaceable event carrying static SPSP receiver
	// details published alongside the peer info.
	KindSpspInfo = 10047

	// KindSpspRequest is the ephemeral, NIP-44 encrypted SPSP handshake
	// request carried inside an ILP packet.
	KindSpspRequest = 23194

	// KindSpspResponse is the ephemeral, NIP-44 encrypted SPSP handshake
	// response returned in the fulfillment metadata.
	KindSpspResponse = 23195
)
