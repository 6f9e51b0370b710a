package util

import (
	"crypto/rand"
	"math/big"

	"github.com/runnerhub/runnerhub/lib/log"
)

// RandStringCharsetB58 excludes visually ambiguous characters (0/O, 1/l/I),
// suited for runner names and labels an operator might read off a terminal.
const RandStringCharsetB58 = "abcdefghijkmnopqrstuvwxyz" +
	"ABCDEFGHJKLMNPQRSTUVWXYZ123456789"

// RandBytes returns size cryptographically random bytes.
func RandBytes(size int) []byte {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		log.Error("util: unable to generate random bytes", "err", err)
	}
	return data
}

// RandString generates a random base58 string, used to suffix runner names
// and registration tokens so concurrent provisioning never collides.
func RandString(size int) string {
	return RandStringCharset(size, RandStringCharsetB58)
}

// RandStringCharset generates a random string of size drawn from charset.
func RandStringCharset(size int, charset string) string {
	data := make([]byte, size)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range data {
		charsetPos, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			log.Error("util: failed to generate random string", "err", err)
		}
		data[i] = charset[charsetPos.Int64()]
	}
	return string(data)
}
