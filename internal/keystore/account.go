package keystore

import "github.com/google/uuid"

// AuthToken returns this scope's relay credential, minting and persisting a
// random one on first use. A caller-supplied token takes precedence upstream;
// this is the default for relays that create the account on first
// registration.
func (s *Store) AuthToken() (string, error) {
	data, err := s.getValue("auth_token")
	if err != nil {
		return "", err
	}
	if len(data) > 0 {
		return string(data), nil
	}
	token := uuid.NewString()
	if err := s.setValue("auth_token", []byte(token)); err != nil {
		return "", err
	}
	return token, nil
}
