package model

// Route is an ILP address prefix the peer should be reachable under.
type Route struct {
	Prefix   string `json:"prefix"`
	Priority int    `json:"priority,omitempty"`
}

// SettlementDetails carries the channel context handed to the connector when
// a peer is registered, so the connector can attach claims to outgoing
// packets and settle on the right token network.
type SettlementDetails struct {
	Preference          string `json:"preference,omitempty"`
	ChannelID           string `json:"channelId,omitempty"`
	EVMAddress          string `json:"evmAddress,omitempty"`
	TokenAddress        string `json:"tokenAddress,omitempty"`
	TokenNetworkAddress string `json:"tokenNetworkAddress,omitempty"`
	ChainID             int64  `json:"chainId,omitempty"`
}

// PeerRegistration is the body of the connector's register-peer call.
type PeerRegistration struct {
	ID         string             `json:"id"`
	BTPURL     string             `json:"btpUrl"`
	AuthToken  string             `json:"authToken,omitempty"`
	Routes     []Route            `json:"routes,omitempty"`
	Settlement *SettlementDetails `json:"settlement,omitempty"`
}

// RegisteredPeer is one entry of the connector's peer listing.
type RegisteredPeer struct {
	ID     string  `json:"id"`
	BTPURL string  `json:"btpUrl"`
	Routes []Route `json:"routes,omitempty"`
}
