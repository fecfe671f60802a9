package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// recordTag marks the start of every encoded custody record.
var recordTag = func() [8]byte {
	sum := sha256.Sum256([]byte("account:CustodyRecord"))
	var tag [8]byte
	copy(tag[:], sum[:8])
	return tag
}()

const recordFixedSize = 8 + 32 + 32 + 8 + 1 + 4 + 8

// RecordSize is the encoded size of a record carrying descriptor.
func RecordSize(descriptor string) int {
	return recordFixedSize + len(descriptor)
}

// Encode lays the record out as: tag | client | provider | amount u64 |
// status u8 | descriptor (u32 length + bytes) | created_at i64. Integers are
// little-endian.
func (r Record) Encode() ([]byte, error) {
	if len(r.ServiceDescriptor) > MaxServiceDescriptorLen {
		return nil, fail(ErrServiceDescriptorTooLong, "service descriptor is %d bytes, limit %d",
			len(r.ServiceDescriptor), MaxServiceDescriptorLen)
	}
	if !r.Status.Valid() {
		return nil, fail(ErrCorruptRecord, "cannot encode status %d", uint8(r.Status))
	}

	buf := make([]byte, 0, RecordSize(r.ServiceDescriptor))
	buf = append(buf, recordTag[:]...)
	buf = append(buf, r.Client[:]...)
	buf = append(buf, r.Provider[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, r.Amount)
	buf = append(buf, byte(r.Status))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.ServiceDescriptor)))
	buf = append(buf, r.ServiceDescriptor...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.CreatedAt))
	return buf, nil
}

// DecodeRecord parses bytes produced by Encode.
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) < recordFixedSize {
		return r, fail(ErrCorruptRecord, "record is %d bytes, minimum %d", len(data), recordFixedSize)
	}
	if !bytes.Equal(data[:8], recordTag[:]) {
		return r, fail(ErrCorruptRecord, "record tag mismatch")
	}
	p := data[8:]

	copy(r.Client[:], p[:32])
	p = p[32:]
	copy(r.Provider[:], p[:32])
	p = p[32:]
	r.Amount = binary.LittleEndian.Uint64(p[:8])
	p = p[8:]
	r.Status = Status(p[0])
	if !r.Status.Valid() {
		return Record{}, fail(ErrCorruptRecord, "unknown status byte %d", p[0])
	}
	p = p[1:]

	n := binary.LittleEndian.Uint32(p[:4])
	p = p[4:]
	if n > MaxServiceDescriptorLen {
		return Record{}, fail(ErrCorruptRecord, "descriptor length %d exceeds limit", n)
	}
	if len(p) != int(n)+8 {
		return Record{}, fail(ErrCorruptRecord, "record length does not match descriptor length %d", n)
	}
	r.ServiceDescriptor = string(p[:n])
	r.CreatedAt = int64(binary.LittleEndian.Uint64(p[n:]))
	return r, nil
}
