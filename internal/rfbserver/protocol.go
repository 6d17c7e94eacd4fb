package rfbserver

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Protocol version strings and security negotiation, client->server and
// server->client message types per RFB 3.x.
const (
	protoVersion3 = "RFB 003.003\n"
	protoVersion7 = "RFB 003.007\n"
	protoVersion8 = "RFB 003.008\n"

	securityNone = 1
	securityOK   = 0

	cmdSetPixelFormat           = 0
	cmdSetEncodings             = 2
	cmdFramebufferUpdateRequest = 3
	cmdKeyEvent                 = 4
	cmdPointerEvent             = 5
	cmdClientCutText            = 6

	msgFramebufferUpdate = 0

	encodingRaw      = 0
	encodingTight    = 7
	encodingLEDState = -261
	encodingLastRect = -224

	rfbTightJpeg = 0x9 // subencoding nibble for JPEG-compressed Tight data

	bitsPerSample   = 8
	samplesPerPixel = 3
	bytesPerPixel   = 4
)

// wirePixelFormat is the 16-byte RFB PixelFormat structure negotiated with
// each client via SetPixelFormat / ServerInit.
type wirePixelFormat struct {
	BPP, Depth                      uint8
	BigEndian, TrueColour           uint8
	RedMax, GreenMax, BlueMax       uint16
	RedShift, GreenShift, BlueShift uint8
}

func defaultPixelFormat() wirePixelFormat {
	return wirePixelFormat{
		BPP:        uint8(bytesPerPixel * 8),
		Depth:      uint8(bitsPerSample * samplesPerPixel),
		BigEndian:  0,
		TrueColour: 1,
		RedMax:     0xFF,
		GreenMax:   0xFF,
		BlueMax:    0xFF,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}
}

type wireConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func newWireConn(conn net.Conn) *wireConn {
	return &wireConn{conn: conn, br: bufio.NewReader(conn), bw: bufio.NewWriter(conn)}
}

func (w *wireConn) readByte() (byte, error) { return w.br.ReadByte() }

func (w *wireConn) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(w.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *wireConn) readUint8() (uint8, error) {
	b, err := w.readByte()
	return uint8(b), err
}

func (w *wireConn) readUint16() (uint16, error) {
	b, err := w.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (w *wireConn) readUint32() (uint32, error) {
	b, err := w.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (w *wireConn) readInt32() (int32, error) {
	v, err := w.readUint32()
	return int32(v), err
}

func (w *wireConn) skip(n int) error {
	_, err := w.readFull(n)
	return err
}

func (w *wireConn) writeUint8(v uint8) error  { return w.bw.WriteByte(v) }
func (w *wireConn) writeBytes(b []byte) error { _, err := w.bw.Write(b); return err }

func (w *wireConn) writeUint16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return w.writeBytes(b[:])
}

func (w *wireConn) writeUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return w.writeBytes(b[:])
}

func (w *wireConn) flush() error { return w.bw.Flush() }

// handshake performs version negotiation, no-auth security, and the
// ClientInit/ServerInit exchange. The client's shared flag is read and
// discarded; only an error is returned.
func (w *wireConn) handshake(width, height int, serverName string) error {
	if err := w.writeBytes([]byte(protoVersion8)); err != nil {
		return err
	}
	if err := w.flush(); err != nil {
		return err
	}

	verBuf, err := w.readFull(12)
	if err != nil {
		return fmt.Errorf("read client protocol version: %w", err)
	}
	clientVer := string(verBuf)

	if clientVer >= protoVersion7 {
		if err := w.writeUint8(1); err != nil { // number-of-security-types
			return err
		}
		if err := w.writeUint8(securityNone); err != nil {
			return err
		}
		if err := w.flush(); err != nil {
			return err
		}
		wanted, err := w.readUint8()
		if err != nil {
			return fmt.Errorf("read security type: %w", err)
		}
		if wanted != securityNone {
			return fmt.Errorf("client requested unsupported security type %d", wanted)
		}
	} else {
		if err := w.writeUint32(securityNone); err != nil {
			return err
		}
		if err := w.flush(); err != nil {
			return err
		}
	}

	if clientVer >= protoVersion8 {
		if err := w.writeUint32(securityOK); err != nil {
			return err
		}
		if err := w.flush(); err != nil {
			return err
		}
	}

	if _, err := w.readUint8(); err != nil { // ClientInit shared-flag
		return fmt.Errorf("read client-init: %w", err)
	}

	pf := defaultPixelFormat()
	if err := w.writeUint16(uint16(width)); err != nil {
		return err
	}
	if err := w.writeUint16(uint16(height)); err != nil {
		return err
	}
	if err := w.writePixelFormat(pf); err != nil {
		return err
	}
	if err := w.skip3(); err != nil { // ServerInit padding
		return err
	}
	if err := w.writeUint32(uint32(len(serverName))); err != nil {
		return err
	}
	if err := w.writeBytes([]byte(serverName)); err != nil {
		return err
	}
	return w.flush()
}

func (w *wireConn) writePixelFormat(pf wirePixelFormat) error {
	for _, v := range []uint8{pf.BPP, pf.Depth, pf.BigEndian, pf.TrueColour} {
		if err := w.writeUint8(v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{pf.RedMax, pf.GreenMax, pf.BlueMax} {
		if err := w.writeUint16(v); err != nil {
			return err
		}
	}
	for _, v := range []uint8{pf.RedShift, pf.GreenShift, pf.BlueShift} {
		if err := w.writeUint8(v); err != nil {
			return err
		}
	}
	return w.skip3()
}

func (w *wireConn) skip3() error {
	for i := 0; i < 3; i++ {
		if err := w.writeUint8(0); err != nil {
			return err
		}
	}
	return nil
}
