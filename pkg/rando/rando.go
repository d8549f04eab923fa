package rando

import (
	"crypto/rand"
	"encoding/hex"
	"os"
)

// 62 symbols, so 5.9542 bits per character.
// At 20 characters that's 119 bits, at 32 characters 190 bits.
const alphaNumChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func StrongRandomAlphaNumChars(nchars int) string {
	buf := StrongRandomBytes(nchars)
	for i := 0; i < nchars; i++ {
		buf[i] = alphaNumChars[buf[i]%byte(len(alphaNumChars))]
	}
	return string(buf)
}

func StrongRandomBytes(nbytes int) []byte {
	buf := make([]byte, nbytes)
	if n, _ := rand.Read(buf); n != nbytes {
		panic("Unable to read from crypto/rand")
	}
	return buf
}

func StrongRandomHex(nbytes int) string {
	return hex.EncodeToString(StrongRandomBytes(nbytes))
}

// TempDir creates a fresh directory inside os.TempDir(). The caller must remove it.
func TempDir() (string, error) {
	return os.MkdirTemp("", "materialsearch-")
}
