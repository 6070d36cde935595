package channel

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nostrlink/relaygate/pkg/model"
)

// Throwaway keys from the stock anvil mnemonic.
const (
	payerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

	channelID    = "0x1d3bf69c4cfe1d9aa8dbba2627c5e7f56070e0ea70b3e5910e4dbcc5957e177c"
	tokenNetwork = "0x52908400098527886E0F7030069857D2E4169EE7"
	chainID      = int64(31337)
)

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("parsing test key: %v", err)
	}
	return key
}

func testProof(nonce uint64, amount int64) model.BalanceProof {
	return model.BalanceProof{
		ChannelID:           channelID,
		Nonce:               nonce,
		TransferredAmount:   big.NewInt(amount),
		ChainID:             chainID,
		TokenNetworkAddress: tokenNetwork,
	}
}

func mustSign(t *testing.T, p model.BalanceProof, keyHex string) *model.SignedBalanceProof {
	t.Helper()
	signed, err := SignProof(p, mustKey(t, keyHex))
	if err != nil {
		t.Fatalf("signing proof: %v", err)
	}
	return signed
}
