package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keyringUser = "access-token"

// KeyringStore persists the credential in the OS keyring. It is the
// external persistence collaborator; the session itself never writes
// credentials anywhere.
type KeyringStore struct {
	Service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{Service: service}
}

func (k *KeyringStore) Load() (Credential, error) {
	raw, err := keyring.Get(k.Service, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return Credential{}, ErrNoStoredCredential
		}

		return Credential{}, fmt.Errorf("failed to read keyring: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, fmt.Errorf("failed to decode stored credential: %w", err)
	}

	return cred, nil
}

func (k *KeyringStore) Save(cred Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	if err := keyring.Set(k.Service, keyringUser, string(raw)); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}

	return nil
}

func (k *KeyringStore) Delete() error {
	if err := keyring.Delete(k.Service, keyringUser); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrNoStoredCredential
		}

		return fmt.Errorf("failed to delete keyring entry: %w", err)
	}

	return nil
}
