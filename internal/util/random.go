// Package util provides identifier and environment helpers shared across WaffleCafe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// Identifier prefixes, one per entity kind so ids are recognisable in logs.
const (
	WafflePrefix = "w_"
	ReplyPrefix  = "r_"
	PromptPrefix = "cp_"
	UserPrefix   = "u_"

	idHexLength = 32
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; ids are not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// NewWaffleID generates a unique waffle ID with "w_" prefix.
func NewWaffleID() string {
	return GenerateRandomID(WafflePrefix, idHexLength)
}

// NewReplyID generates a unique reply ID with "r_" prefix.
func NewReplyID() string {
	return GenerateRandomID(ReplyPrefix, idHexLength)
}

// NewPromptID generates an ID for a custom prompt with "cp_" prefix.
func NewPromptID() string {
	return GenerateRandomID(PromptPrefix, idHexLength)
}

// NewUserID generates a user ID with "u_" prefix.
func NewUserID() string {
	return GenerateRandomID(UserPrefix, idHexLength)
}
