// Package dbhash computes the Database Hash characteristic value: a
// stable 16-byte digest of compiled attribute database bytes instead of
// literal random bytes. gatt.Compile hashes the version byte and the
// Generic Access rows only, so the value changes with the device name
// but not with the user-declared services. See spec.md §4.E.
package dbhash

import "golang.org/x/crypto/blake2b"

// Compute returns the 16-byte blake2b digest of data.
func Compute(data []byte) [16]byte {
	var out [16]byte
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only fails for an out-of-range size or a key longer
		// than 64 bytes; neither applies here.
		panic("dbhash: " + err.Error())
	}
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}
