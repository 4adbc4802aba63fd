package utils

import (
	"github.com/cespare/xxhash/v2"
	"github.com/howeyc/crc16"
)

func CalculateCRC16(data []byte) uint16 {
	crc := crc16.Checksum(data, crc16.IBMTable)
	return crc
}

// BucketOf maps a key onto one of n buckets. The result is identical on every
// node and across restarts. The CRC is folded through xxhash before the
// modulo: its low bits follow the key's trailing bytes, so keys of one shape
// would otherwise crowd a few buckets when n is a power of two.
func BucketOf(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(mixCRC(CalculateCRC16([]byte(key))) % uint64(n))
}

func mixCRC(crc uint16) uint64 {
	return xxhash.Sum64([]byte{byte(crc >> 8), byte(crc)})
}
