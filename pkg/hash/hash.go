// Package hash provides the keyed and salted digest functions used to turn
// raw patient identifiers into opaque research pseudonyms, plus the
// change-detection hashing of scrubber content.
package hash

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Hasher is the single contract all digest families expose.
type Hasher interface {
	// Hash returns a hex-encoded digest of raw. Deterministic: the same
	// raw value with the same secret always produces the same output.
	Hash(raw string) string
	// OutputLength is the fixed width of Hash output in characters, so
	// destination storage can size a fixed-width column.
	OutputLength() int
}

// Method selects the digest family and whether it is keyed.
type Method string

const (
	MD5        Method = "md5"
	SHA256     Method = "sha256"
	SHA512     Method = "sha512"
	HMACMD5    Method = "hmac_md5"
	HMACSHA256 Method = "hmac_sha256"
	HMACSHA512 Method = "hmac_sha512"
)

// ParseMethod maps a config string onto a Method.
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MD5:
		return MD5, nil
	case SHA256:
		return SHA256, nil
	case SHA512:
		return SHA512, nil
	case HMACMD5:
		return HMACMD5, nil
	case HMACSHA256:
		return HMACSHA256, nil
	case HMACSHA512:
		return HMACSHA512, nil
	}
	return "", fmt.Errorf("unknown hash method %q", s)
}

// New builds a Hasher for the given method and secret. Plain (non-HMAC)
// methods use the secret as a salt prefix; they are vulnerable to a
// known-pair attack, so prefer the HMAC variants whenever the hashed value
// must stay secret from someone who can query many (input, digest) pairs.
func New(method Method, secret string) (Hasher, error) {
	if secret == "" {
		return nil, fmt.Errorf("hash method %s requires a non-empty secret", method)
	}
	switch method {
	case MD5:
		return &saltedHasher{newFunc: md5.New, salt: []byte(secret), length: md5.Size * 2}, nil
	case SHA256:
		return &saltedHasher{newFunc: sha256.New, salt: []byte(secret), length: sha256.Size * 2}, nil
	case SHA512:
		return &saltedHasher{newFunc: sha512.New, salt: []byte(secret), length: sha512.Size * 2}, nil
	case HMACMD5:
		return &hmacHasher{newFunc: md5.New, key: []byte(secret), length: md5.Size * 2}, nil
	case HMACSHA256:
		return &hmacHasher{newFunc: sha256.New, key: []byte(secret), length: sha256.Size * 2}, nil
	case HMACSHA512:
		return &hmacHasher{newFunc: sha512.New, key: []byte(secret), length: sha512.Size * 2}, nil
	}
	return nil, fmt.Errorf("unknown hash method %q", method)
}

// saltedHasher computes digest(salt || utf8(raw)).
type saltedHasher struct {
	newFunc func() hash.Hash
	salt    []byte
	length  int
}

func (h *saltedHasher) Hash(raw string) string {
	d := h.newFunc()
	d.Write(h.salt)
	d.Write([]byte(raw))
	return hex.EncodeToString(d.Sum(nil))
}

func (h *saltedHasher) OutputLength() int {
	return h.length
}

// hmacHasher computes a keyed MAC digest of raw.
type hmacHasher struct {
	newFunc func() hash.Hash
	key     []byte
	length  int
}

func (h *hmacHasher) Hash(raw string) string {
	mac := hmac.New(h.newFunc, h.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *hmacHasher) OutputLength() int {
	return h.length
}
