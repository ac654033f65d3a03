// Package signature implements the LiblibAI request signing scheme: an
// HMAC-SHA1 over the request path, a millisecond timestamp and a random nonce,
// encoded as unpadded URL-safe base64.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"math/rand"
	"strconv"
	"time"
)

const (
	// NonceLength is the length of the nonce produced by Generate.
	NonceLength = 16

	// Window is how far a request timestamp may drift from the verifier's clock.
	Window = 5 * time.Minute

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Params are the values attached to a single signed request.
type Params struct {
	Timestamp string
	Nonce     string
	Signature string
}

// Generate signs path with secret using the current time and a fresh nonce.
func Generate(path, secret string) Params {
	return GenerateAt(path, secret, time.Now())
}

// GenerateAt is Generate with an explicit clock reading.
func GenerateAt(path, secret string, now time.Time) Params {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := Nonce(NonceLength)
	return Params{
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: Sign(path, timestamp, nonce, secret),
	}
}

// Sign computes the signature for path, timestamp and nonce. It has no side
// effects.
func Sign(path, timestamp, nonce, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(path + "&" + timestamp + "&" + nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the one Sign would produce.
func Verify(path, timestamp, nonce, signature, secret string) bool {
	expected := Sign(path, timestamp, nonce, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// IsTimestampValid reports whether timestamp lies within Window of now.
func IsTimestampValid(timestamp string) bool {
	return IsTimestampValidAt(timestamp, time.Now())
}

// IsTimestampValidAt reports whether timestamp lies within Window of now. The
// boundary is inclusive.
func IsTimestampValidAt(timestamp string, now time.Time) bool {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	diff := now.UnixMilli() - ms
	if diff < 0 {
		diff = -diff
	}
	return diff <= Window.Milliseconds()
}

// Nonce returns n characters drawn from [A-Za-z0-9]. The nonce only has to be
// unique, so math/rand is sufficient.
func Nonce(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
