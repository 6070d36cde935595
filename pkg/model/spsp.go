package model

import "errors"

// SpspRequest is the decrypted content of a kind-23194 event: the paying
// side's half of the SPSP handshake.
type SpspRequest struct {
	RequestID           string            `json:"requestId"`
	SenderILPAddress    string            `json:"senderIlpAddress"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses,omitempty"`
	ProposedDeposit     string            `json:"proposedDeposit,omitempty"`
	SettlementTimeout   int64             `json:"settlementTimeout,omitempty"`
}

// Validate checks the fields the receiving side needs before negotiating.
func (r *SpspRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("spsp request: missing requestId")
	}
	if r.SenderILPAddress == "" {
		return errors.New("spsp request: missing senderIlpAddress")
	}
	if len(r.SupportedChains) == 0 {
		return errors.New("spsp request: no supported chains")
	}
	return nil
}

// SpspResponse is the decrypted content of a kind-23195 event: the receiving
// side's answer, including the channel it opened toward the requester.
type SpspResponse struct {
	RequestID           string `json:"requestId"`
	DestinationAccount  string `json:"destinationAccount"`
	SharedSecret        string `json:"sharedSecret"`
	NegotiatedChain     string `json:"negotiatedChain"`
	SettlementAddress   string `json:"settlementAddress"`
	TokenAddress        string `json:"tokenAddress,omitempty"`
	TokenNetworkAddress string `json:"tokenNetworkAddress"`
	ChannelID           string `json:"channelId"`
	SettlementTimeout   int64  `json:"settlementTimeout"`
}

// SpspInfo is the JSON content of a kind-10047 event: a static note telling
// would-be payers that this node negotiates SPSP through encrypted nostr
// events rather than an HTTPS endpoint.
type SpspInfo struct {
	ILPAddress string   `json:"ilpAddress"`
	AssetCode  string   `json:"assetCode"`
	AssetScale int      `json:"assetScale"`
	Methods    []string `json:"methods"`
}
