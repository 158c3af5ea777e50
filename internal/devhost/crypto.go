package devhost

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/superfly/fly.rs/internal/wire"
)

var digests = map[string]func() hash.Hash{
	"SHA-1":    sha1.New,
	"SHA-256":  sha256.New,
	"SHA-384":  sha512.New384,
	"SHA-512":  sha512.New,
	"SHA3-256": sha3.New256,
	"SHA3-512": sha3.New512,
	"BLAKE2B-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	"BLAKE2B-512": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Digest hashes data with a Web Crypto style algorithm name. Names are
// matched case-insensitively.
func Digest(algo string, data []byte) ([]byte, error) {
	newHash, ok := digests[strings.ToUpper(algo)]
	if !ok {
		return nil, &commandError{kind: wire.ErrUnsupported, msg: "digest algorithm " + algo}
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil), nil
}
