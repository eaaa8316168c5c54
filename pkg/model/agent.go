package model

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/m-mizutani/goerr/v2"
)

// AgentIdentityPrefix is the bech32 human readable part of an agent identity
const AgentIdentityPrefix = "agent"

// Registration is the agent record kept by the registry contract
type Registration struct {
	// RegistryKey is the off-chain addressable identity of the agent
	RegistryKey   string
	EVMAddress    common.Address
	VerifiedCount uint64
	IsStaked      bool
}

// DeriveAgentIdentity derives the off-chain agent identity from a wallet seed.
// The key is sha256 over length-prefixed ("agent", seed, index 0); the
// identity is its compressed secp256k1 public key in bech32 with HRP "agent".
func DeriveAgentIdentity(seed string) (string, error) {
	if seed == "" {
		return "", goerr.New("seed is empty")
	}

	var index [8]byte
	h := sha256.New()
	h.Write(lengthPrefixed([]byte(AgentIdentityPrefix)))
	h.Write(lengthPrefixed([]byte(seed)))
	h.Write(lengthPrefixed(index[:]))

	key, err := crypto.ToECDSA(h.Sum(nil))
	if err != nil {
		return "", goerr.Wrap(err, "failed to derive identity key")
	}

	converted, err := bech32.ConvertBits(crypto.CompressPubkey(&key.PublicKey), 8, 5, true)
	if err != nil {
		return "", goerr.Wrap(err, "failed to convert public key bits")
	}

	identity, err := bech32.Encode(AgentIdentityPrefix, converted)
	if err != nil {
		return "", goerr.Wrap(err, "failed to encode identity")
	}
	return identity, nil
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 8, 8+len(b))
	binary.BigEndian.PutUint64(out, uint64(len(b)))
	return append(out, b...)
}
