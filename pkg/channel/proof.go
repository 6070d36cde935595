// Package channel tracks payment channel state on both sides of a peering:
// the Manager signs monotonically increasing balance proofs for outgoing
// payments, the Verifier checks and advances the counterparty state for
// incoming ones. Proofs are EIP-712 typed data bound to a TokenNetwork
// contract and chain id, so a signature is meaningless outside the channel
// context it was produced for.
package channel

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/nostrlink/relaygate/pkg/model"
)

// typedData renders p as the EIP-712 envelope both sides hash.
func typedData(p model.BalanceProof) apitypes.TypedData {
	locked := p.LockedAmount
	if locked == nil {
		locked = new(big.Int)
	}
	locksRoot := p.LocksRoot
	if locksRoot == "" {
		locksRoot = model.ZeroLocksRoot
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"BalanceProof": []apitypes.Type{
				{Name: "channelId", Type: "bytes32"},
				{Name: "nonce", Type: "uint256"},
				{Name: "transferredAmount", Type: "uint256"},
				{Name: "lockedAmount", Type: "uint256"},
				{Name: "locksRoot", Type: "bytes32"},
			},
		},
		PrimaryType: "BalanceProof",
		Domain: apitypes.TypedDataDomain{
			Name:              "TokenNetwork",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(p.ChainID),
			VerifyingContract: p.TokenNetworkAddress,
		},
		Message: apitypes.TypedDataMessage{
			"channelId":         p.ChannelID,
			"nonce":             (*math.HexOrDecimal256)(new(big.Int).SetUint64(p.Nonce)),
			"transferredAmount": (*math.HexOrDecimal256)(p.TransferredAmount),
			"lockedAmount":      (*math.HexOrDecimal256)(locked),
			"locksRoot":         locksRoot,
		},
	}
}

// HashProof returns the 32-byte EIP-712 digest for p.
func HashProof(p model.BalanceProof) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	digest, _, err := apitypes.TypedDataAndHash(typedData(p))
	if err != nil {
		return nil, fmt.Errorf("hashing balance proof: %w", err)
	}
	return digest, nil
}

// SignProof signs p with key and returns the proof together with its 65-byte
// signature (v in the 27/28 convention) and the derived sender address.
func SignProof(p model.BalanceProof, key *ecdsa.PrivateKey) (*model.SignedBalanceProof, error) {
	digest, err := HashProof(p)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("signing balance proof: %w", err)
	}
	sig[64] += 27

	return &model.SignedBalanceProof{
		BalanceProof: p,
		Signature:    hexutil.Encode(sig),
		Sender:       crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// RecoverSigner returns the address that produced sp's signature. Both the
// 0/1 and 27/28 v conventions are accepted.
func RecoverSigner(sp *model.SignedBalanceProof) (common.Address, error) {
	raw, err := hexutil.Decode(sp.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("signature has %d bytes, want 65", len(raw))
	}
	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest, err := HashProof(sp.BalanceProof)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
