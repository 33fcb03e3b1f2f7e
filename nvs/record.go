package nvs

import (
	"encoding/binary"
	"hash/crc32"
)

// Record layout (little-endian):
//
//	0  magic   u16 0xA55A
//	2  state   u8  0xFF erased, 0xFE live, 0xFC deleted
//	3  nsLen   u8
//	4  keyLen  u8
//	5  rsvd    u8
//	6  valLen  u16
//	8  crc32   u32 over ns|key|val
//	12 ns, key, val
const (
	hdrLen = 12

	recMagic     uint16 = 0xA55A
	stateErased  byte   = 0xFF
	stateLive    byte   = 0xFE
	stateDeleted byte   = 0xFC

	stateOff = 2
)

type header struct {
	magic  uint16
	state  byte
	nsLen  int
	keyLen int
	valLen int
	crc    uint32
}

func (h header) size() int64 { return int64(hdrLen + h.nsLen + h.keyLen + h.valLen) }

func (h header) erased() bool { return h.magic == 0xFFFF && h.state == stateErased }

func parseHeader(b []byte) header {
	return header{
		magic:  binary.LittleEndian.Uint16(b[0:2]),
		state:  b[2],
		nsLen:  int(b[3]),
		keyLen: int(b[4]),
		valLen: int(binary.LittleEndian.Uint16(b[6:8])),
		crc:    binary.LittleEndian.Uint32(b[8:12]),
	}
}

func encodeRecord(ns, key string, val []byte) []byte {
	b := make([]byte, hdrLen+len(ns)+len(key)+len(val))
	binary.LittleEndian.PutUint16(b[0:2], recMagic)
	b[2] = stateLive
	b[3] = byte(len(ns))
	b[4] = byte(len(key))
	b[5] = 0xFF
	binary.LittleEndian.PutUint16(b[6:8], uint16(len(val)))
	body := b[hdrLen:]
	n := copy(body, ns)
	n += copy(body[n:], key)
	copy(body[n:], val)
	binary.LittleEndian.PutUint32(b[8:12], crc32.ChecksumIEEE(body))
	return b
}
