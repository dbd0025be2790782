package engine

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"cipherline/apperr"
)

const (
	minNameLength     = 4
	maxNameLength     = 255
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
)

var nameFormat = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func validName(name string) (string, error) {
	name = norm.NFC.String(name)
	if n := utf8.RuneCountInString(name); n < minNameLength || n > maxNameLength {
		return "", apperr.New(apperr.InvalidNameLength)
	}
	if !nameFormat.MatchString(name) {
		return "", apperr.New(apperr.InvalidNameFormat)
	}
	return name, nil
}

func validNickname(nickname string) (string, error) {
	nickname = norm.NFC.String(nickname)
	if n := utf8.RuneCountInString(nickname); n < minNameLength || n > maxNameLength {
		return "", apperr.New(apperr.InvalidNameLength)
	}
	return nickname, nil
}

func validPassword(password string) error {
	if len(password) < minPasswordLength {
		return apperr.New(apperr.InvalidPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return apperr.Newf(apperr.InvalidPasswordLength, "Password must be at most %d bytes long", maxPasswordLength)
	}
	return nil
}

func (e *Engine) validContent(content string) error {
	if n := utf8.RuneCountInString(content); n < 1 || n > e.config.MaxMessageLength {
		return apperr.Newf(apperr.InvalidMessageLength,
			"Message must be between 1 and %d characters long", e.config.MaxMessageLength)
	}
	return nil
}

// validKey accepts a PEM encoded RSA public key in PKIX or PKCS#1 form.
func validKey(key string) error {
	block, _ := pem.Decode([]byte(key))
	if block == nil {
		return apperr.New(apperr.InvalidKeyFormat)
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if _, ok := pub.(*rsa.PublicKey); ok {
			return nil
		}
		return apperr.New(apperr.InvalidKeyFormat)
	}
	if _, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return nil
	}
	return apperr.New(apperr.InvalidKeyFormat)
}

// avatarType sniffs the image header. Only png and jpeg are accepted.
func (e *Engine) avatarType(data []byte) (string, error) {
	if len(data) == 0 || len(data) > e.config.MaxAvatarBytes {
		return "", apperr.New(apperr.InvalidAvatarSize)
	}
	switch ct := http.DetectContentType(data); ct {
	case "image/png", "image/jpeg":
		return ct, nil
	}
	return "", apperr.New(apperr.InvalidAvatarFormat)
}
