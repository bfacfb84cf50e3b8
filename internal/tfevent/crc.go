package tfevent

import "hash/crc32"

// Record checksums use CRC32-C (Castagnoli) with the rotation mask applied
// by the TensorFlow record writer, so checksums of checksums stay usable.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// maskedCRC returns the masked CRC32-C of data.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}
