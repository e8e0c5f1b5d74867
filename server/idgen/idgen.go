// Package idgen produces short, roughly time-ordered identifiers for
// connections and log correlation.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"time"
)

var (
	instance [3]byte
	sequence atomic.Uint32
	encoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(instance[:]); err != nil {
		binary.BigEndian.PutUint16(instance[:], uint16(time.Now().UnixNano()))
	}
}

// New returns a 20 character lowercase base32 id built from a seconds
// timestamp, a per-process instance tag, a sequence number and random bytes.
func New() string {
	var id [12]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:7], instance[:])
	binary.BigEndian.PutUint16(id[7:9], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[9:12]); err != nil {
		id[9], id[10], id[11] = byte(time.Now().UnixNano()), 0, 0
	}
	return strings.ToLower(encoding.EncodeToString(id[:]))
}
