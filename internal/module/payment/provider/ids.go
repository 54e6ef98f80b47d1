package provider

import "github.com/blockcart/server/internal/utils/random"

// newReference mints an opaque provider reference.
func newReference() (string, error) {
	s, err := random.Hex(16)
	if err != nil {
		return "", err
	}
	return "inv_" + s, nil
}

// newTxID mints an opaque transaction id.
func newTxID() (string, error) {
	return random.Hex(32)
}
