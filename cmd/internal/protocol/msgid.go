package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

var messageIDPattern = regexp.MustCompile(`^[0-9A-F]{16,64}$`)

// NewMessageID returns an id in the format the official clients use.
func NewMessageID() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic("protocol: entropy source failed: " + err.Error())
	}
	return "3EB0" + strings.ToUpper(hex.EncodeToString(b))
}

// IsMessageID reports whether s can be used as a protocol id as-is.
func IsMessageID(s string) bool { return messageIDPattern.MatchString(s) }
