package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash string, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// HashCard returns the lookup key stored for a card or badge identifier.
func HashCard(card string) string {
	card = strings.TrimSpace(card)
	if card == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(card))
	return hex.EncodeToString(sum[:])
}
