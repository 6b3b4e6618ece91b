package peer_protocol

import (
	"fmt"
)

// Returned by the Decoder when a peer declares a message longer than the configured bound. The
// stream can't be resynchronized after this.
type MessageTooLongError struct {
	Length, Max Integer
}

func (me MessageTooLongError) Error() string {
	return fmt.Sprintf("message too long: declared %d bytes, max %d", me.Length, me.Max)
}

// Accumulates bytes from a stream with no minimum chunk size and yields complete messages. The
// handshake is not length-prefixed and is consumed separately with NextHandshake.
type Decoder struct {
	// Upper bound on the declared length of a message, excluding the length prefix.
	MaxLength Integer
	buf       []byte
	off       int
}

// Appends received bytes. Never fails.
func (d *Decoder) Write(b []byte) (int, error) {
	if d.off != 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, b...)
	return len(b), nil
}

// Bytes received but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Consumes the next message if it has been fully received. ok is false if more bytes are needed.
// Errors are fatal to the stream.
func (d *Decoder) Next(msg *Message) (ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) < 4 {
		return false, nil
	}
	length := readInteger(avail)
	if length > d.MaxLength {
		return false, MessageTooLongError{length, d.MaxLength}
	}
	total := 4 + int(length)
	if len(avail) < total {
		return false, nil
	}
	*msg = Message{}
	d.off += total
	if length == 0 {
		msg.Keepalive = true
		return true, nil
	}
	err = msg.unmarshalBody(avail[4:total])
	return err == nil, err
}

// Consumes the fixed-length handshake if it has been fully received.
func (d *Decoder) NextHandshake() (hs Handshake, ok bool, err error) {
	avail := d.buf[d.off:]
	if len(avail) >= 1 && avail[0] != Protocol[0] {
		return hs, false, fmt.Errorf("unexpected protocol string length %d", avail[0])
	}
	if len(avail) < HandshakeLen {
		return hs, false, nil
	}
	hs, err = ParseHandshake(avail[:HandshakeLen])
	if err != nil {
		return
	}
	d.off += HandshakeLen
	return hs, true, nil
}
