package util

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

var cursorPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#008080", "#9a6324", "#800000",
}

// ColorFor assigns a stable cursor color to a user id.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return cursorPalette[int(h.Sum32())%len(cursorPalette)]
}
