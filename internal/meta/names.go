package meta

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"
)

// nameSuffixEncoding is base32hex (RFC 4648) lowercase without padding,
// matching the owner-id rendering.
var nameSuffixEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// randomName generates a candidate public name: a two-word pet name plus a
// short random suffix, e.g. "wiggly-yellowtail-k3f0". The suffix keeps the
// namespace collision-free in practice; callers still check uniqueness and
// retry.
func randomName() string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	suffix := strings.ToLower(nameSuffixEncoding.EncodeToString(buf[:]))
	return petname.Generate(2, "-") + "-" + suffix[:4]
}
