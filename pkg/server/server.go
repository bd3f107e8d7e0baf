// Package server implements the build-server side of the buildyard
// protocol: a per-connection state machine which negotiates a version,
// optionally authenticates the client, receives a zipped project tree and
// drives the image builds, relaying all builder output back over the wire.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sensiblecodeio/barrier"
	"github.com/sirupsen/logrus"

	"github.com/sensiblecodeio/buildyard/pkg/project"
	"github.com/sensiblecodeio/buildyard/pkg/run"
	"github.com/sensiblecodeio/buildyard/pkg/wire"
)

// State enumerates the per-connection protocol states.
type State int

const (
	// StateIgnore is terminal: all further input is dropped.
	StateIgnore State = iota
	StateWaitVersion
	StateAuth
	StateReady
	StateFileReceive
	StateBuilding
)

// Factory accepts connections and owns the configuration shared by all of
// them. Connection state itself is strictly per-connection.
type Factory struct {
	// Password protects the server when non-empty.
	Password string

	// Env is handed to every build.
	Env project.BuildEnv

	// Rand is the challenge source. Defaults to crypto/rand.
	Rand io.Reader

	// Closing stops the accept loop when it falls.
	Closing barrier.Barrier
}

func NewFactory(password string, env project.BuildEnv) *Factory {
	if env.Runner == nil {
		env.Runner = run.ExecRunner{}
	}
	if env.Docker == "" {
		env.Docker = run.LookDocker()
	}
	return &Factory{
		Password: password,
		Env:      env,
		Rand:     rand.Reader,
	}
}

// Serve accepts connections on l until Closing falls.
func (f *Factory) Serve(l net.Listener) error {
	go func() {
		<-f.Closing.Barrier()
		l.Close()
	}()

	for {
		netConn, err := l.Accept()
		if err != nil {
			select {
			case <-f.Closing.Barrier():
				return nil
			default:
				return errors.Wrap(err, "accept")
			}
		}
		go f.handle(netConn)
	}
}

// ListenAndServe listens on addr and serves until Closing falls.
func (f *Factory) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", addr)
	}
	logrus.Infof("Listening on %v", l.Addr())
	return f.Serve(l)
}

// conn is the per-connection state machine.
type conn struct {
	factory *Factory
	netConn net.Conn
	codec   *wire.Codec
	log     *logrus.Entry

	mu        sync.Mutex
	state     State
	challenge []byte

	// Pending build, populated between the build command and the end of
	// the file transfer.
	proj    *project.Project
	only    map[string]bool
	push    bool
	scratch *project.Scratch
	zipFile *os.File
	zipPath string
}

func (f *Factory) handle(netConn net.Conn) {
	c := &conn{
		factory: f,
		netConn: netConn,
		codec:   wire.NewCodec(netConn),
		log:     logrus.WithField("client", netConn.RemoteAddr().String()),
		state:   StateWaitVersion,
	}
	c.log.Debug("Connection accepted")

	defer c.teardown()

	for {
		payload, err := c.codec.Receive()
		if err != nil {
			if err != io.EOF {
				c.log.Debugf("Receive failed: %v", err)
			}
			return
		}
		c.handleMessage(payload)
	}
}

// teardown closes the connection and abandons any half-received build. A
// build already running keeps its own references and cleans up when the
// subprocess exits.
func (c *conn) teardown() {
	c.netConn.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zipFile != nil {
		c.zipFile.Close()
		c.zipFile = nil
	}
	if c.scratch != nil {
		c.scratch.Remove()
		c.scratch = nil
	}
	c.state = StateIgnore
}

func (c *conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *conn) handleMessage(payload []byte) {
	switch c.currentState() {
	case StateIgnore:
		// Drop it.
	case StateWaitVersion:
		c.handleVersion(payload)
	case StateAuth:
		c.handleAuth(payload)
	case StateReady:
		c.handleCommand(payload)
	case StateFileReceive:
		c.handleFileData(payload)
	default:
		// No inbound traffic is legal while building.
		c.violation("message received while building")
	}
}

// violation drops the connection without sending anything.
func (c *conn) violation(why string) {
	c.log.Debugf("Protocol violation: %s", why)
	c.setState(StateIgnore)
	c.netConn.Close()
}

func (c *conn) handleVersion(payload []byte) {
	if string(payload) != wire.Version {
		c.log.Debugf("Version mismatch: client offered %q", payload)
		c.send([]byte(wire.ReplyMismatch))
		c.setState(StateIgnore)
		c.netConn.Close()
		return
	}

	if c.factory.Password == "" {
		c.send([]byte(wire.ReplyOK))
		c.setState(StateReady)
		return
	}

	challenge := make([]byte, wire.ChallengeLength)
	randSource := c.factory.Rand
	if randSource == nil {
		randSource = rand.Reader
	}
	if _, err := io.ReadFull(randSource, challenge); err != nil {
		c.log.Errorf("Drawing challenge failed: %v", err)
		c.netConn.Close()
		return
	}
	c.mu.Lock()
	c.challenge = challenge
	c.state = StateAuth
	c.mu.Unlock()
	c.send(append([]byte(wire.ReplyAuth), challenge...))
}

func (c *conn) handleAuth(payload []byte) {
	expected := wire.AuthDigest(c.challenge, c.factory.Password)
	if subtle.ConstantTimeCompare(payload, expected) == 1 {
		c.send([]byte(wire.ReplyOK))
		c.setState(StateReady)
		return
	}
	c.log.Debug("Authentication rejected")
	c.send([]byte(wire.ReplyAuthFail))
	c.setState(StateIgnore)
	c.netConn.Close()
}

// buildCommand is the JSON command frame accepted in StateReady.
type buildCommand struct {
	Command string          `json:"command"`
	Project string          `json:"project"`
	Only    json.RawMessage `json:"only"`
	Push    bool            `json:"push"`
}

func (c *conn) handleCommand(payload []byte) {
	var cmd buildCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.violation("malformed command JSON")
		return
	}
	if cmd.Command != "build" {
		c.violation("unknown command " + cmd.Command)
		return
	}

	only, err := normalizeOnly(cmd.Only)
	if err != nil {
		c.violation(err.Error())
		return
	}
	proj, err := project.Deserialize([]byte(cmd.Project))
	if err != nil {
		c.violation("bad project payload")
		return
	}

	scratch, err := project.NewScratch()
	if err != nil {
		c.log.Errorf("Scratch directory: %v", err)
		c.netConn.Close()
		return
	}
	zipPath := filepath.Join(scratch.Path(), "projectdata.zip")
	zipFile, err := os.Create(zipPath)
	if err != nil {
		scratch.Remove()
		c.log.Errorf("Open upload file: %v", err)
		c.netConn.Close()
		return
	}

	c.mu.Lock()
	c.proj = proj
	c.only = only
	c.push = cmd.Push
	c.scratch = scratch
	c.zipFile = zipFile
	c.zipPath = zipPath
	c.state = StateFileReceive
	c.mu.Unlock()

	c.log.Debugf("Receiving project %q (%d images)", proj.Name, len(proj.Images))
}

func (c *conn) handleFileData(payload []byte) {
	if len(payload) == 0 {
		return
	}
	prefix, data := payload[0], payload[1:]

	switch prefix {
	case wire.PrefixContinue:
		if _, err := c.zipFile.Write(data); err != nil {
			c.log.Errorf("Writing upload: %v", err)
			c.netConn.Close()
		}

	case wire.PrefixEnd:
		if len(data) > 0 {
			if _, err := c.zipFile.Write(data); err != nil {
				c.log.Errorf("Writing upload: %v", err)
				c.netConn.Close()
				return
			}
		}

		// Transfer ownership of the pending build to the build
		// goroutine; the read loop keeps watching for violations.
		c.mu.Lock()
		if err := c.zipFile.Close(); err != nil {
			c.mu.Unlock()
			c.log.Errorf("Closing upload: %v", err)
			c.netConn.Close()
			return
		}
		proj, only, push := c.proj, c.only, c.push
		scratch, zipPath := c.scratch, c.zipPath
		c.proj, c.only, c.zipFile, c.scratch = nil, nil, nil, nil
		c.state = StateBuilding
		c.mu.Unlock()

		go c.runBuild(proj, only, push, scratch, zipPath)

	default:
		c.violation("unknown file-chunk prefix")
	}
}

// runBuild drives the orchestrator for one received project and reports the
// outcome. The scratch directory holding the upload is removed whatever
// happens; a dropped client abandons the build but the in-flight subprocess
// is still awaited.
func (c *conn) runBuild(proj *project.Project, only map[string]bool, push bool, scratch *project.Scratch, zipPath string) {
	defer scratch.Remove()

	output := func(data []byte) {
		c.sendMsg(string(data))
	}

	exitcodes, err := proj.BuildFromZipPath(context.Background(), c.factory.Env, zipPath, only, output)
	if err != nil {
		c.log.Errorf("Build failed: %v", err)
		c.netConn.Close()
		return
	}
	if push {
		if err := proj.Push(context.Background(), c.factory.Env, only, output); err != nil {
			c.log.Errorf("Push failed: %v", err)
			c.netConn.Close()
			return
		}
	}

	c.log.Debugf("Build of %q finished: exit codes %v", proj.Name, exitcodes)

	// Back to READY before the finish frame goes out: the client may pipe
	// a further command the moment it sees the frame.
	c.mu.Lock()
	if c.state == StateBuilding {
		c.state = StateReady
	}
	c.mu.Unlock()

	c.sendFinish(exitcodes)
}

func (c *conn) send(payload []byte) {
	if err := c.codec.Send(payload); err != nil {
		c.log.Debugf("Send failed: %v", err)
	}
}

func (c *conn) sendMsg(message string) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":    "msg",
		"message": message,
	})
	if err != nil {
		c.log.Errorf("Encoding msg frame: %v", err)
		return
	}
	c.send(payload)
}

func (c *conn) sendFinish(exitcodes []int) {
	if exitcodes == nil {
		exitcodes = []int{}
	}
	payload, err := json.Marshal(map[string]interface{}{
		"type":      "finish",
		"exitcodes": exitcodes,
	})
	if err != nil {
		c.log.Errorf("Encoding finish frame: %v", err)
		return
	}
	c.send(payload)
}

// normalizeOnly reduces the command's dynamic "only" field to nil (build
// everything) or a set of image names. Any other shape is a protocol
// violation.
func normalizeOnly(raw json.RawMessage) (map[string]bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return map[string]bool{single: true}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		only := map[string]bool{}
		for _, name := range many {
			only[name] = true
		}
		return only, nil
	}

	return nil, errors.New("bad shape for only field")
}
