package bls

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nostrlink/relaygate/pkg/connector"
	"github.com/nostrlink/relaygate/pkg/model"
)

// NewPacketHandler returns a connector.PacketHandler that delivers packets
// to a business logic server's /handle-packet endpoint. It is how an
// in-process connector hands packets to a peer's server, in tests and in
// single-binary deployments.
func NewPacketHandler(url string, client *http.Client) connector.PacketHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req connector.PacketRequest, claim *model.SignedBalanceProof) (*connector.PacketResult, error) {
		amount := "0"
		if req.Amount != nil {
			amount = req.Amount.String()
		}
		body, err := json.Marshal(HandleRequest{
			Amount:      amount,
			Destination: req.Destination,
			Data:        req.Data,
			Claim:       claim,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding packet: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", connector.ErrNetwork, err)
		}
		defer httpResp.Body.Close()

		var resp HandleResponse
		if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%w: undecodable response (status %d): %v",
				connector.ErrNetwork, httpResp.StatusCode, err)
		}

		result := &connector.PacketResult{
			Fulfilled:   resp.Accept,
			Fulfillment: resp.Fulfillment,
			Code:        resp.Code,
			Message:     resp.Message,
		}
		if resp.Metadata != nil {
			if result.Data, err = json.Marshal(resp.Metadata); err != nil {
				return nil, fmt.Errorf("encoding metadata: %w", err)
			}
		}
		return result, nil
	}
}
