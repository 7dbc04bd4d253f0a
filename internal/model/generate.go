package model

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	PublicKeyPrefix  = "pk_"
	PrivateKeyPrefix = "sk_"
	TokenPrefix      = "tk_"

	apiKeyLength = 32
	tokenLength  = 40
)

const alphanumerics = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n characters drawn uniformly from [A-Za-z0-9].
func RandomString(n int) string {
	max := big.NewInt(int64(len(alphanumerics)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken.
			panic("model: reading random bytes: " + err.Error())
		}
		b[i] = alphanumerics[idx.Int64()]
	}
	return string(b)
}

// NewPublicAPIKey returns a project key safe to embed in web pages.
func NewPublicAPIKey() string { return PublicKeyPrefix + RandomString(apiKeyLength) }

// NewPrivateDevAPIKey returns a project key for development use.
func NewPrivateDevAPIKey() string { return PrivateKeyPrefix + RandomString(apiKeyLength) }

// NewTokenValue returns a bearer token value.
func NewTokenValue() string { return TokenPrefix + RandomString(tokenLength) }

// Slugify lowercases name and collapses every run of characters other than
// letters and digits into a single '-'. An empty result becomes "untitled".
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}

// SlugWithSuffix de-duplicates a taken slug.
func SlugWithSuffix(slug string) string {
	return slug + "-" + strings.ToLower(RandomString(6))
}

// Checksum is the hex SHA-256 of content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CountTokens approximates the number of model tokens in s: roughly four
// characters per token, and never fewer than the number of words.
func CountTokens(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	byChars := (utf8.RuneCountInString(s) + 3) / 4
	if byChars > words {
		return byChars
	}
	return words
}
