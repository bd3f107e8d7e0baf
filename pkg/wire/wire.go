// Package wire implements the length-prefixed framing used between the
// buildyard client and server, plus the protocol constants shared by both
// peers.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

const (
	// Version is the protocol version string exchanged on connect.
	Version = "0.2"

	// DefaultPort is the TCP port servers listen on unless told otherwise.
	DefaultPort = 28847

	// MaxMessageLength is the largest frame payload either peer accepts.
	MaxMessageLength = 130 * 1024

	// ChallengeLength is the size of the random auth challenge.
	ChallengeLength = 16

	// ReadChunkSize is the chunk size used when streaming files.
	ReadChunkSize = 8192
)

// Single-byte replies sent by the server during the handshake.
const (
	ReplyOK       = "O"
	ReplyMismatch = "E"
	ReplyAuthFail = "F"
	ReplyAuth     = "A"
)

// File-chunk prefixes.
const (
	PrefixContinue byte = 0x00
	PrefixEnd      byte = 0x01
)

// Codec frames messages over rw: a 4-byte big-endian length followed by
// exactly that many payload bytes. Sends are safe for concurrent use;
// receives are not.
type Codec struct {
	r io.Reader

	mu sync.Mutex
	w  io.Writer
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: rw, w: rw}
}

// Send writes one frame. Payloads longer than MaxMessageLength are rejected
// without writing anything.
func (c *Codec) Send(payload []byte) error {
	if len(payload) > MaxMessageLength {
		return errors.Errorf("frame of %d bytes exceeds maximum %d", len(payload), MaxMessageLength)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.w.Write(buf)
	return errors.Wrap(err, "send frame")
}

// SendString frames a string payload.
func (c *Codec) SendString(s string) error {
	return c.Send([]byte(s))
}

// Receive reads one whole frame. Partial frames are never surfaced: either a
// complete payload is returned or an error. A peer announcing a length above
// MaxMessageLength fails the connection.
func (c *Codec) Receive() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxMessageLength {
		return nil, errors.Errorf("incoming frame of %d bytes exceeds maximum %d", n, MaxMessageLength)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}

// AuthDigest computes the challenge response: SHA-256 over the challenge
// bytes immediately followed by the password bytes.
func AuthDigest(challenge []byte, password string) []byte {
	h := sha256.New()
	h.Write(challenge)
	h.Write([]byte(password))
	return h.Sum(nil)
}
