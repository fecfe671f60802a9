package escrow

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/kawsbot/a2a-pay/identity"
)

var (
	addressDomain = []byte("a2a-pay/escrow/v1")
	addressSeed   = []byte("escrow")
)

// Derive computes the record address for (client, provider, descriptor). The
// hash is keyed with a domain tag and every field is length-prefixed, so no
// two distinct triples share an input.
func Derive(client, provider identity.Identity, descriptor string) (Address, error) {
	if len(descriptor) > MaxServiceDescriptorLen {
		return Address{}, fail(ErrServiceDescriptorTooLong,
			"service descriptor is %d bytes, limit %d", len(descriptor), MaxServiceDescriptorLen)
	}

	h, err := blake2b.New256(addressDomain)
	if err != nil {
		panic(err)
	}
	writeField(h, addressSeed)
	writeField(h, client[:])
	writeField(h, provider[:])
	writeField(h, []byte(descriptor))

	var a Address
	copy(a[:], h.Sum(nil))
	return a, nil
}

func writeField(h hash.Hash, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	h.Write(n[:])
	h.Write(b)
}
