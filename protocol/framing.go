package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// MaxHeaderSize is the maximum allowed size for the framing header.
	MaxHeaderSize = 4 * 1024

	// MaxFrameSize is the maximum allowed size for a frame body (16 MiB).
	MaxFrameSize = 16 * 1024 * 1024
)

// ErrFrameTooLarge is returned when a frame body exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// headerTerminator ends the framing header.
var headerTerminator = []byte("\r\n\r\n")

// ProtocolError reports a framing or decoding violation on a stream.
// A clean end-of-stream before any header byte is io.EOF, not a
// ProtocolError.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// WriteFrameJSON writes one framed JSON message to the writer.
// Format: "Content-Length: <N>\r\n\r\n" followed by exactly N bytes of
// the JSON encoding of v.
func WriteFrameJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame body: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrameJSON reads one framed JSON message from the reader and
// decodes it into v.
//
// It returns io.EOF when the stream closes before the first header
// byte, so callers can distinguish a clean disconnect from a truncated
// message. Every other failure is a *ProtocolError.
func ReadFrameJSON(r *bufio.Reader, v any) error {
	header, err := readHeader(r)
	if err != nil {
		return err
	}

	length, ok := parseContentLength(header)
	if !ok {
		return &ProtocolError{Reason: "missing or invalid Content-Length header"}
	}
	if length > MaxFrameSize {
		return &ProtocolError{Reason: "declared frame length too large", Err: ErrFrameTooLarge}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return &ProtocolError{Reason: "reading frame body", Err: err}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return &ProtocolError{Reason: "decoding frame body", Err: err}
	}
	return nil
}

// readHeader accumulates bytes until the blank-line terminator.
func readHeader(r *bufio.Reader) ([]byte, error) {
	var header bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && header.Len() == 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, &ProtocolError{Reason: "reading frame header", Err: err}
		}

		header.WriteByte(b)
		if header.Len() > MaxHeaderSize {
			return nil, &ProtocolError{Reason: "frame header too large"}
		}
		if bytes.HasSuffix(header.Bytes(), headerTerminator) {
			return header.Bytes(), nil
		}
	}
}

// parseContentLength extracts the declared body length from the header.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range bytes.Split(header, []byte("\r\n")) {
		rest, found := bytes.CutPrefix(line, []byte("Content-Length:"))
		if !found {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// WriteFrame writes one framed envelope to the writer.
func WriteFrame(w io.Writer, env *Envelope) error {
	return WriteFrameJSON(w, env)
}

// ReadFrame reads one framed envelope from the reader. See
// ReadFrameJSON for error semantics.
func ReadFrame(r *bufio.Reader) (*Envelope, error) {
	var env Envelope
	if err := ReadFrameJSON(r, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
