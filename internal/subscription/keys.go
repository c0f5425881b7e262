package subscription

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

const (
	// MaxKeyLength caps partition and row keys.
	MaxKeyLength = 255
	// topicHashLength is the number of hex characters kept from the digest.
	topicHashLength = 32
	disallowed      = `/\#?`
)

// Sanitize replaces characters that are not allowed in index keys with '-'
// and truncates long keys, appending a short digest of the original so
// distinct inputs stay distinct.
func Sanitize(s string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(disallowed, r) {
			return '-'
		}
		return r
	}, s)
	if len(clean) <= MaxKeyLength {
		return clean
	}
	suffix := "~" + digest(s)[:16]
	cut := MaxKeyLength - len(suffix)
	// Avoid splitting a multi-byte rune.
	for cut > 0 && !isRuneStart(clean[cut]) {
		cut--
	}
	return clean[:cut] + suffix
}

// HashTopic maps a topic name to a fixed-length, character-safe token.
func HashTopic(topic string) string {
	return digest(topic)[:topicHashLength]
}

// PartitionKey groups every subscriber of a tenant's topic.
func PartitionKey(tenantID, topic string) string {
	return Sanitize(tenantID) + "_" + HashTopic(topic)
}

// RowKey identifies a subscriber within a partition.
func RowKey(subscriberID string) string {
	return Sanitize(subscriberID)
}

func digest(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
