// Package crypto generates the random identifiers used across the service:
// secret tokens, login challenge ids and one-time login codes.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	tokenLength     = 16 // 128 bits
	challengeLength = 24
	otpDigits       = 6
)

// NewToken returns a 128-bit random token, hex encoded.
func NewToken() string {
	return hex.EncodeToString(randomBytes(tokenLength))
}

// NewChallengeID returns an opaque id for a pending login challenge.
func NewChallengeID() string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(challengeLength))
}

// NewOTPCode returns a uniformly distributed six digit code.
func NewOTPCode() string {
	max := big.NewInt(900000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()+100000)
}

func randomBytes(n int) []byte {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return bytes
}
