package rfbserver

import (
	"hash/crc32"
	"testing"
)

func TestFrameCRCSkipsJFIFHeaderRegion(t *testing.T) {
	header := make([]byte, jfifHeaderSkip)
	for i := range header {
		header[i] = byte(i)
	}
	payload := []byte("identical picture bytes")

	frameA := append(append([]byte{}, header...), payload...)

	header2 := make([]byte, jfifHeaderSkip)
	for i := range header2 {
		header2[i] = 0xAA // different header bytes, e.g. a timestamp field
	}
	frameB := append(append([]byte{}, header2...), payload...)

	if frameCRC(frameA) != frameCRC(frameB) {
		t.Fatal("expected identical CRC for frames differing only in the skipped header region")
	}
	if frameCRC(frameA) != crc32.ChecksumIEEE(payload) {
		t.Fatal("expected frameCRC to match crc32.ChecksumIEEE over the post-header bytes")
	}
}

func TestFrameCRCShortFrameFallsBackToWholeBuffer(t *testing.T) {
	short := []byte{1, 2, 3}
	if frameCRC(short) != crc32.ChecksumIEEE(short) {
		t.Fatal("expected whole-buffer CRC for frames shorter than the header skip")
	}
}

func TestValidJPEGTrailer(t *testing.T) {
	ok := []byte{0x01, 0x02, 0xFF, 0xD9}
	if !validJPEGTrailer(ok) {
		t.Fatal("expected valid JPEG trailer to pass")
	}
	bad := []byte{0x01, 0x02, 0x03, 0x04}
	if validJPEGTrailer(bad) {
		t.Fatal("expected invalid trailer to fail")
	}
	if validJPEGTrailer([]byte{0xD9}) {
		t.Fatal("expected single-byte buffer to fail")
	}
}
