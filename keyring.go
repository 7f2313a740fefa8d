package desklink

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Keyring holds the client's identity key material. Keys are generated once
// per store and persisted alongside the rest of the local state. They are
// reserved for payload signing; confidentiality on the wire is provided by
// TLS, not by these keys.
type Keyring struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	CreatedAt  string `json:"createdAt"`
}

// LoadOrCreateKeyring returns the store's keyring, generating and persisting
// a fresh one on first use.
func LoadOrCreateKeyring(s *Store) (*Keyring, error) {
	var kr Keyring
	found, err := s.getJSON(keyKeyPair, &kr)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	if found {
		return &kr, nil
	}

	pub := make([]byte, 32)
	priv := make([]byte, 32)
	if _, err := rand.Read(pub); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	kr = Keyring{
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.setJSON(keyKeyPair, &kr); err != nil {
		return nil, fmt.Errorf("persist keyring: %w", err)
	}
	return &kr, nil
}
