// Package client implements the client side of the buildyard protocol:
// version negotiation, challenge-response authentication and driving a
// single remote build over one TCP connection.
package client

import (
	"encoding/json"
	"io"
	"net"
	"os"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sensiblecodeio/buildyard/pkg/project"
	"github.com/sensiblecodeio/buildyard/pkg/wire"
)

// State enumerates the client-side protocol states.
type State int

const (
	StateIgnore State = iota
	StateError
	StateWaitVersionResponse
	StateWaitAuthResponse
	StateReady
	StateBuilding
)

var (
	// ErrVersionMismatch is returned when the server rejects our protocol
	// version.
	ErrVersionMismatch = errors.New("server rejected protocol version " + wire.Version)

	// ErrPasswordRequired is returned when the server demands
	// authentication and no password was supplied.
	ErrPasswordRequired = errors.New("password required, but none specified")

	// ErrInvalidPassword is returned when the server rejects the password.
	ErrInvalidPassword = errors.New("invalid password")
)

// Client drives the protocol over one connection. Out receives every console
// message relayed by the server, verbatim.
type Client struct {
	conn     net.Conn
	codec    *wire.Codec
	password string
	out      io.Writer
	log      *logrus.Entry

	state State
}

// Dial connects to a build-server and completes the handshake. On return the
// client is READY.
func Dial(addr, password string, out io.Writer) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %q", addr)
	}
	c := New(conn, password, out)
	if err := c.Handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an established connection. Handshake must be called before
// RemoteBuild.
func New(conn net.Conn, password string, out io.Writer) *Client {
	return &Client{
		conn:     conn,
		codec:    wire.NewCodec(conn),
		password: password,
		out:      out,
		log:      logrus.WithField("server", conn.RemoteAddr().String()),
		state:    StateWaitVersionResponse,
	}
}

// Handshake sends the protocol version and answers an auth challenge if the
// server issues one.
func (c *Client) Handshake() error {
	if err := c.codec.SendString(wire.Version); err != nil {
		return err
	}

	reply, err := c.codec.Receive()
	if err != nil {
		return errors.Wrap(err, "version response")
	}

	switch {
	case string(reply) == wire.ReplyOK:
		c.state = StateReady
		return nil

	case string(reply) == wire.ReplyMismatch:
		c.state = StateError
		return ErrVersionMismatch

	case len(reply) >= 2 && reply[0] == wire.ReplyAuth[0]:
		return c.answerChallenge(reply[1:])

	default:
		return c.violation("unexpected version response")
	}
}

func (c *Client) answerChallenge(challenge []byte) error {
	if c.password == "" {
		c.state = StateError
		return ErrPasswordRequired
	}

	c.state = StateWaitAuthResponse
	if err := c.codec.Send(wire.AuthDigest(challenge, c.password)); err != nil {
		return err
	}

	reply, err := c.codec.Receive()
	if err != nil {
		return errors.Wrap(err, "auth response")
	}
	switch string(reply) {
	case wire.ReplyOK:
		c.state = StateReady
		return nil
	case wire.ReplyAuthFail:
		c.state = StateError
		c.conn.Close()
		return ErrInvalidPassword
	default:
		return c.violation("unexpected auth response")
	}
}

// RemoteBuild ships the serialized project and the zipped tree at zipPath to
// the server, relays console messages to the output sink, and returns the
// exit-code vector from the finish frame. Callable only in StateReady.
func (c *Client) RemoteBuild(proj *project.Project, zipPath string, only []string, push bool) ([]int, error) {
	if c.state != StateReady {
		return nil, errors.New("protocol not ready")
	}
	c.state = StateBuilding

	serialized, err := proj.Serialize()
	if err != nil {
		return nil, err
	}
	command, err := json.Marshal(map[string]interface{}{
		"command": "build",
		"project": string(serialized),
		"only":    only,
		"push":    push,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode build command")
	}
	if err := c.codec.Send(command); err != nil {
		return nil, err
	}

	if err := c.sendFile(zipPath); err != nil {
		return nil, err
	}

	for {
		payload, err := c.codec.Receive()
		if err != nil {
			return nil, errors.Wrap(err, "build response")
		}

		var frame struct {
			Type      string  `json:"type"`
			Message   *string `json:"message"`
			Exitcodes []int   `json:"exitcodes"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			return nil, c.violation("malformed build frame")
		}

		switch frame.Type {
		case "msg":
			message := "<No message body received>"
			if frame.Message != nil {
				message = *frame.Message
			}
			if c.out != nil {
				if _, err := io.WriteString(c.out, message); err != nil {
					return nil, errors.Wrap(err, "write build output")
				}
			}

		case "finish":
			c.state = StateReady
			exitcodes := frame.Exitcodes
			if exitcodes == nil {
				exitcodes = []int{}
			}
			return exitcodes, nil

		default:
			return nil, c.violation("unknown build frame type " + frame.Type)
		}
	}
}

// sendFile streams the file in ReadChunkSize pieces, each framed with the
// continue prefix, then an empty terminator frame.
func (c *Client) sendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open upload")
	}
	defer f.Close()

	var total int64
	buf := make([]byte, 1+wire.ReadChunkSize)
	buf[0] = wire.PrefixContinue
	for {
		n, err := f.Read(buf[1 : 1+wire.ReadChunkSize])
		if n > 0 {
			if err := c.codec.Send(buf[:1+n]); err != nil {
				return err
			}
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read upload")
		}
	}
	if err := c.codec.Send([]byte{wire.PrefixEnd}); err != nil {
		return err
	}

	c.log.Debugf("Sent %s", units.HumanSize(float64(total)))
	return nil
}

// violation closes the connection; the protocol never recovers locally.
func (c *Client) violation(why string) error {
	c.log.Debugf("Protocol violation: %s", why)
	c.state = StateIgnore
	c.conn.Close()
	return errors.New("protocol violation: " + why)
}

// Close disconnects from the server.
func (c *Client) Close() error {
	return c.conn.Close()
}
