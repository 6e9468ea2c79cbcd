package collab

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RoomCodeLength is the number of characters in a shareable room code.
const RoomCodeLength = 6

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewRoomCode generates a human-shareable room code: RoomCodeLength
// characters drawn uniformly from A-Z0-9.
func NewRoomCode() (string, error) {
	buf := make([]byte, RoomCodeLength)
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		buf[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidRoomCode reports whether s has the exact shape of a room code.
// Codes are case-sensitive uppercase; no normalization is applied.
func ValidRoomCode(s string) bool {
	if len(s) != RoomCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
