package credstore

import (
	"encoding/base64"
	"errors"

	"github.com/zeebo/blake3"
)

const deriveContext = "rentcar credstore 2024-06 obfuscation"

// codec lightly obfuscates persisted values: XOR with a BLAKE3 keystream derived from
// (secret, key), then base64url. It keeps tokens out of plain sight in storage dumps;
// it is not encryption.
type codec struct {
	secret []byte
}

func newCodec(secret string) codec {
	return codec{secret: []byte(secret)}
}

func (c codec) keystream(key string, n int) []byte {
	material := make([]byte, 0, len(c.secret)+1+len(key))
	material = append(material, c.secret...)
	material = append(material, 0)
	material = append(material, key...)

	out := make([]byte, n)
	blake3.DeriveKey(deriveContext, material, out)
	return out
}

func (c codec) encode(key, value string) string {
	if value == "" {
		return ""
	}
	ks := c.keystream(key, len(value))
	buf := []byte(value)
	for i := range buf {
		buf[i] ^= ks[i]
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

var errBadValue = errors.New("credstore: undecodable persisted value")

func (c codec) decode(key, stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	buf, err := base64.RawURLEncoding.DecodeString(stored)
	if err != nil {
		return "", errBadValue
	}
	ks := c.keystream(key, len(buf))
	for i := range buf {
		buf[i] ^= ks[i]
	}
	return string(buf), nil
}
