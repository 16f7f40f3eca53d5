// Package stomp implements the client side of STOMP 1.2 over a
// websocket: frame codec, connect handshake, heartbeats and a
// reconnecting session.
package stomp

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Frame commands the client sends or receives.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Standard header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrContentType   = "content-type"
	HdrMessage       = "message"
	HdrAuthorization = "Authorization"
)

// Frame is one STOMP frame. Headers keep insertion order; repeated
// names keep the first occurrence on read, as STOMP 1.2 requires.
type Frame struct {
	Command string
	headers [][2]string
	Body    []byte
}

func NewFrame(command string) *Frame { return &Frame{Command: command} }

func (f *Frame) Set(name, value string) *Frame {
	for i := range f.headers {
		if f.headers[i][0] == name {
			f.headers[i][1] = value
			return f
		}
	}
	f.headers = append(f.headers, [2]string{name, value})
	return f
}

func (f *Frame) Get(name string) string {
	for _, h := range f.headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// heartbeat is the single-newline frame; Marshal and Unmarshal treat it
// specially.
var heartbeat = []byte("\n")

// IsHeartbeat reports whether raw is a bare EOL keep-alive.
func IsHeartbeat(raw []byte) bool {
	trimmed := bytes.TrimRight(raw, "\r\n")
	return len(trimmed) == 0
}

// Heartbeat returns the keep-alive payload.
func Heartbeat() []byte { return heartbeat }

// CONNECT/CONNECTED frames are exchanged before escaping is negotiated
// and must not escape header values.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var headerEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, ":", `\c`)

var headerUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r", `\c`, ":")

// Marshal renders the frame in wire form, NUL terminated.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	esc := escapes(f.Command)
	for _, h := range f.headers {
		name, value := h[0], h[1]
		if esc {
			name = headerEscaper.Replace(name)
			value = headerEscaper.Replace(value)
		}
		buf.WriteString(name)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Unmarshal parses one wire frame. The caller is expected to have
// filtered heartbeats with IsHeartbeat.
func Unmarshal(raw []byte) (*Frame, error) {
	raw = bytes.TrimSuffix(raw, []byte{0})
	head, body, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		// headers-only frame without body separator is malformed
		return nil, errors.Errorf("stomp: frame missing header terminator (len=%d)", len(raw))
	}

	lines := strings.Split(strings.TrimPrefix(string(head), "\r\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, errors.New("stomp: frame missing command")
	}

	f := NewFrame(strings.TrimRight(lines[0], "\r"))
	esc := escapes(f.Command)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("stomp: malformed header %q", line)
		}
		if esc {
			name = headerUnescaper.Replace(name)
			value = headerUnescaper.Replace(value)
		}
		// first occurrence wins
		if f.Get(name) == "" {
			f.Set(name, value)
		}
	}

	f.Body = body
	return f, nil
}
