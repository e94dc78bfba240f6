package uniqueid

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"time"
)

// UniqueId returns a URL-safe identifier that sorts roughly by creation time:
// 8 bytes of microsecond timestamp followed by 8 random bytes, base64-encoded.
// Used for flood message IDs, where uniqueness per (source, message) matters
// but global coordination does not.
func UniqueId() string {
	b := make([]byte, 16)

	ts := time.Now().UnixMicro()
	binary.BigEndian.PutUint64(b[:8], uint64(ts))

	if _, err := rand.Read(b[8:]); err != nil {
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}
