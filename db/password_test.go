package db

import (
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func ssha512(password string, salt []byte) []byte {
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	return append(h.Sum(nil), salt...)
}

func TestHashPassword(t *testing.T) {
	hashed, err := HashPassword("secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, blfCryptPrefix))
	assert.NoError(t, VerifyPassword(hashed, "secret"))
	assert.ErrorIs(t, VerifyPassword(hashed, "Secret"), errPasswordMismatch)

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestVerifyPassword(t *testing.T) {
	bare, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	salt := []byte("saltsalt")
	digest := ssha512("pw", salt)

	tests := []struct {
		name    string
		hashed  string
		wantErr bool
	}{
		{"bare bcrypt", string(bare), false},
		{"blf-crypt", blfCryptPrefix + string(bare), false},
		{"ssha512 base64", ssha512Prefix + base64.StdEncoding.EncodeToString(digest), false},
		{"ssha512 hex", ssha512HexPrefix + hex.EncodeToString(digest), false},
		{"ssha512 without salt", ssha512Prefix + base64.StdEncoding.EncodeToString(digest[:sha512HashLength]), true},
		{"ssha512 bad base64", ssha512Prefix + "!!!", true},
		{"plaintext", "pw", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPassword(tt.hashed, "pw")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.ErrorIs(t, VerifyPassword(tt.hashed, "wrong"), errPasswordMismatch)
		})
	}
}
