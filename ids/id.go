// Package ids mints the random identifiers carried by key requests and their cancellations.
package ids

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const Size = 16

var ErrInvalidID = errors.New("ids: invalid id")

type ID [Size]byte

func NewID() ID {
	var id ID
	if _, err := crypto_rand.Read(id[:]); err != nil {
		panic("short read from random source")
	}
	return id
}

// IDFromBytes accepts an id received from another device.
func IDFromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidID, Size, len(b))
	}
	return ID(b), nil
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}
