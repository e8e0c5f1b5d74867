package db

import (
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	blfCryptPrefix   = "{BLF-CRYPT}"
	ssha512Prefix    = "{SSHA512}"
	ssha512HexPrefix = "{SSHA512.HEX}"

	sha512HashLength = 64
)

var errPasswordMismatch = errors.New("invalid password")

// HashPassword returns a bcrypt hash in Dovecot's {BLF-CRYPT} notation.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// VerifyPassword checks password against a stored hash. Supported forms
// are bare bcrypt, {BLF-CRYPT} bcrypt and salted SHA-512 imported from
// older mail systems.
func VerifyPassword(hashed, password string) error {
	switch {
	case strings.HasPrefix(hashed, blfCryptPrefix):
		return verifyBcrypt(strings.TrimPrefix(hashed, blfCryptPrefix), password)
	case strings.HasPrefix(hashed, "$2a$"), strings.HasPrefix(hashed, "$2b$"), strings.HasPrefix(hashed, "$2y$"):
		return verifyBcrypt(hashed, password)
	case strings.HasPrefix(hashed, ssha512HexPrefix):
		raw, err := hex.DecodeString(strings.TrimPrefix(hashed, ssha512HexPrefix))
		if err != nil {
			return fmt.Errorf("invalid SSHA512 hex data: %w", err)
		}
		return verifySSHA512(raw, password)
	case strings.HasPrefix(hashed, ssha512Prefix):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hashed, ssha512Prefix))
		if err != nil {
			return fmt.Errorf("invalid SSHA512 base64 data: %w", err)
		}
		return verifySSHA512(raw, password)
	default:
		return errors.New("unsupported password hash format")
	}
}

func verifyBcrypt(hashed, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errPasswordMismatch
		}
		return err
	}
	return nil
}

// The digest is followed by the salt.
func verifySSHA512(decoded []byte, password string) error {
	if len(decoded) <= sha512HashLength {
		return errors.New("invalid SSHA512 hash: too short")
	}
	stored, salt := decoded[:sha512HashLength], decoded[sha512HashLength:]
	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	if !bytes.Equal(stored, h.Sum(nil)) {
		return errPasswordMismatch
	}
	return nil
}
