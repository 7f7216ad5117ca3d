package utils

import (
	"crypto/rand"
	"math/big"
	"unicode/utf8"
)

const (
	idLength           = 8
	connectionIDLength = 16
	alphabets          = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

func GenerateRandomString(length int) (string, error) {
	id := make([]byte, length)

	for i := range length {
		char, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabets))))
		if err != nil {
			return "", err
		}
		id[i] = alphabets[char.Int64()]
	}

	return string(id), nil
}

// GenerateID returns a short random id, used for request ids.
func GenerateID() (string, error) {
	return GenerateRandomString(idLength)
}

// GenerateConnectionID returns the opaque identifier assigned to a new socket.
func GenerateConnectionID() (string, error) {
	return GenerateRandomString(connectionIDLength)
}

// Truncate shortens s to at most max bytes for log output, without splitting
// a multi-byte character.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
