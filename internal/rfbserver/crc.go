package rfbserver

import "hash/crc32"

// jfifHeaderSkip is the fixed offset past the JFIF header region that the
// identical-frame CRC is computed from, so that timestamp/quantization
// tables embedded early in the JPEG don't perturb the checksum of frames
// whose picture content is unchanged.
const jfifHeaderSkip = 0x30

// frameCRC computes the IEEE CRC32 (polynomial 0x04C11DB7, init
// 0xFFFFFFFF, reflected in and out, xorout 0xFFFFFFFF: exactly
// crc32.ChecksumIEEE) over the frame past the JFIF header region.
func frameCRC(frame []byte) uint32 {
	if len(frame) <= jfifHeaderSkip {
		return crc32.ChecksumIEEE(frame)
	}
	return crc32.ChecksumIEEE(frame[jfifHeaderSkip:])
}

// validJPEGTrailer reports whether frame ends with the JPEG EOI marker.
func validJPEGTrailer(frame []byte) bool {
	n := len(frame)
	return n >= 2 && frame[n-2] == 0xFF && frame[n-1] == 0xD9
}
