package chunk

import (
	"encoding/json"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// Key identifies a chunk by content digest. It can be instantiated from a
// string, a byte slice, or a multihash.
type Key struct {
	// str stores the digest in base58 form. We cannot store the raw byte
	// slice because this struct needs to be comparable.
	str string
}

// KeyFromString returns a key representing an arbitrary string.
func KeyFromString(str string) Key {
	return Key{str: str}
}

// KeyFromBytes returns a key from a digest byte slice, encoding it in b58
// first.
func KeyFromBytes(b []byte) Key {
	return Key{str: base58.Encode(b)}
}

// KeyFromMultihash returns a key representing a multihash digest.
func KeyFromMultihash(mh multihash.Multihash) Key {
	return Key{str: mh.B58String()}
}

// DigestOf hashes data with sha2-256 and returns the resulting key.
func DigestOf(data []byte) Key {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered.
		panic(err)
	}
	return KeyFromMultihash(mh)
}

// String returns the string representation for this key.
func (k Key) String() string {
	return k.str
}

//
// We need a custom JSON marshaller and unmarshaller because str is a
// private field
//
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.str)
}

func (k *Key) UnmarshalJSON(bz []byte) error {
	return json.Unmarshal(bz, &k.str)
}
