package project

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes a content digest over a file's name and content. Equal
// fingerprints mean a file needs no re-push; the separator byte keeps
// ("ab","c") and ("a","bc") from colliding.
func Fingerprint(filename, content string) string {
	digest := sha256.New()
	digest.Write([]byte(filename))
	digest.Write([]byte{0})
	digest.Write([]byte(content))
	return hex.EncodeToString(digest.Sum(nil))
}
