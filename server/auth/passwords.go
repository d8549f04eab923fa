package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// Our hash is 1 byte of version, followed by 20 bytes of salt, followed by 32 bytes of scrypt.

// scrypt(16384,8,1) is 36 ms on a Skylake 6700K
const hashVersion1 = 1
const saltSizeV1 = 20
const scryptHashSizeV1 = 32
const scryptNV1 = 16384
const scryptrV1 = 8
const scryptpV1 = 1
const hashLenV1 = 1 + saltSizeV1 + scryptHashSizeV1

func createSalt() []byte {
	s := [saltSizeV1]byte{}
	if n, _ := rand.Read(s[:]); n != saltSizeV1 {
		panic("Error creating password salt")
	}
	return s[:]
}

func hashPasswordWithSalt(salt []byte, password string) []byte {
	dk, err := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	if err != nil {
		panic(fmt.Sprintf("Error hashing password: %v", err))
	}
	final := [hashLenV1]byte{}
	final[0] = hashVersion1
	copy(final[1:1+saltSizeV1], salt)
	copy(final[1+saltSizeV1:], dk)
	return final[:]
}

// HashPassword returns the base64 encoding of a freshly salted hash
func HashPassword(password string) string {
	return base64.RawStdEncoding.EncodeToString(hashPasswordWithSalt(createSalt(), password))
}

// VerifyHash returns true if a plaintext password matches a stored base64 hash
func VerifyHash(password string, hashb64 string) bool {
	hash, _ := base64.RawStdEncoding.DecodeString(hashb64)
	if len(hash) != hashLenV1 || hash[0] != hashVersion1 {
		return false
	}
	salt := hash[1 : 1+saltSizeV1]
	dk, _ := scrypt.Key([]byte(password), salt, scryptNV1, scryptrV1, scryptpV1, scryptHashSizeV1)
	return subtle.ConstantTimeCompare(dk, hash[1+saltSizeV1:]) == 1
}

// Hash the session token so that the plaintext never lives in the DB.
func HashSessionToken(value string) string {
	h := sha256.Sum256([]byte(value))
	return base64.RawStdEncoding.EncodeToString(h[:])
}
