package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"custody/apps/custody/internal/apperr"
)

// Signer is a named private key able to sign transactions.
type Signer struct {
	alias   string
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key
func NewSigner(alias, hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key for signer %q: %w", alias, err)
	}
	return NewSignerFromKey(alias, key), nil
}

func NewSignerFromKey(alias string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		alias:   alias,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func (s *Signer) Alias() string           { return s.alias }
func (s *Signer) Address() common.Address { return s.address }

// Keyring resolves signer identities by alias.
type Keyring struct {
	signers map[string]*Signer
}

// NewKeyring creates a keyring from alias to hex key pairs
func NewKeyring(keys map[string]string) (*Keyring, error) {
	kr := &Keyring{signers: make(map[string]*Signer, len(keys))}
	for alias, hexKey := range keys {
		signer, err := NewSigner(alias, hexKey)
		if err != nil {
			return nil, err
		}
		kr.signers[alias] = signer
	}
	return kr, nil
}

func (k *Keyring) Add(signer *Signer) {
	k.signers[signer.alias] = signer
}

// Get returns the signer registered under alias
func (k *Keyring) Get(alias string) (*Signer, error) {
	signer, ok := k.signers[alias]
	if !ok {
		return nil, apperr.Validation("resolve signer", fmt.Errorf("%w: %s", apperr.ErrUnknownSigner, alias))
	}
	return signer, nil
}
