package cache

import "encoding/base64"

// Base64Codec stores binary payloads as standard base64 text.
type Base64Codec struct{}

func (Base64Codec) Encode(b []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}

func (Base64Codec) Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// StringCodec stores strings unchanged.
type StringCodec struct{}

func (StringCodec) Encode(s string) (string, error) { return s, nil }
func (StringCodec) Decode(s string) (string, error) { return s, nil }
