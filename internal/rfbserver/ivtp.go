package rfbserver

import "encoding/binary"

// IVTP (vendor tunnel framing inside RFB's ServerCutText) carries
// out-of-band control messages such as the forced-disconnect notice.
const (
	ivtpMagic = "IVTP"

	// opStopSessionImmediate is pinned at 0x0008 per the later, more
	// complete of the two original source variants.
	opStopSessionImmediate = 0x0008

	statusSuccess = 0x0000

	msgTypeServerCutText = 3

	ivtpFrameLen = 20
)

// EncodeStopSessionImmediate produces the bit-exact 20-byte
// ServerCutText/IVTP disconnect frame:
//
//	Off Sz Field
//	 0   1  msg-type  = 3 (ServerCutText)
//	 1   3  padding  = 0
//	 4   4  length   = htonl(payload-bytes)      // 12
//	 8   4  magic    = "IVTP"
//	12   2  op-code  = htons(0x0008)
//	14   4  payload-length = htonl(0)
//	18   2  status   = htons(0x0000)
func EncodeStopSessionImmediate() []byte {
	buf := make([]byte, ivtpFrameLen)
	buf[0] = msgTypeServerCutText
	// bytes 1-3 padding already zero
	binary.BigEndian.PutUint32(buf[4:8], 12)
	copy(buf[8:12], ivtpMagic)
	binary.BigEndian.PutUint16(buf[12:14], opStopSessionImmediate)
	binary.BigEndian.PutUint32(buf[14:18], 0)
	binary.BigEndian.PutUint16(buf[18:20], statusSuccess)
	return buf
}
