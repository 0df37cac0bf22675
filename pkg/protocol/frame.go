package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxFrameSize is the largest payload a single read or write may carry
	MaxFrameSize = 8192

	// Top-level separator between the parts of a request or response
	FrameSeparator = ":"
	// FieldSeparator terminates each sub-field inside content
	FieldSeparator = "#"
	// RowSeparator separates the columns of a row inside one field
	RowSeparator = "|"

	reservedCharacters = FrameSeparator + FieldSeparator + RowSeparator
)

var (
	ErrFrameTooLarge         = errors.New("frame exceeds maximum size")
	ErrEmptyFrame            = errors.New("empty frame")
	ErrMalformedFrame        = errors.New("malformed frame")
	ErrInvalidAuthorizedFlag = errors.New("authorized flag must be 0 or 1")
	ErrEmptyCommand          = errors.New("empty command")
	ErrInvalidStatus         = errors.New("invalid status code")
)

// Request is a decoded client request.
// Wire format: <authorized:0|1>:<command>:<content>
type Request struct {
	Authorized bool
	Command    string
	Content    string
}

// Response is a decoded server response.
// Wire format: <status>:<content>
type Response struct {
	Status  int
	Content string
}

// EncodeRequest serializes a request into its wire form
func EncodeRequest(req Request) []byte {
	flag := "0"
	if req.Authorized {
		flag = "1"
	}
	return []byte(flag + FrameSeparator + req.Command + FrameSeparator + req.Content)
}

// DecodeRequest parses one request frame. Trailing line terminators are ignored
// so clients that send newline-terminated frames are accepted.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) > MaxFrameSize {
		return Request{}, ErrFrameTooLarge
	}
	s := strings.TrimRight(string(data), "\r\n")
	if s == "" {
		return Request{}, ErrEmptyFrame
	}

	parts := strings.SplitN(s, FrameSeparator, 3)
	if len(parts) != 3 {
		return Request{}, fmt.Errorf("%w: expected 3 parts, got %d", ErrMalformedFrame, len(parts))
	}
	if strings.Contains(parts[2], FrameSeparator) {
		return Request{}, fmt.Errorf("%w: content contains %q", ErrMalformedFrame, FrameSeparator)
	}

	var authorized bool
	switch parts[0] {
	case "0":
	case "1":
		authorized = true
	default:
		return Request{}, ErrInvalidAuthorizedFlag
	}

	if parts[1] == "" {
		return Request{}, ErrEmptyCommand
	}

	return Request{
		Authorized: authorized,
		Command:    parts[1],
		Content:    parts[2],
	}, nil
}

// EncodeResponse serializes a response into its wire form
func EncodeResponse(resp Response) []byte {
	return []byte(strconv.Itoa(resp.Status) + FrameSeparator + resp.Content)
}

// DecodeResponse parses one response frame. On malformed input it still
// returns a usable 500 response carrying "Parse Error" next to the error.
func DecodeResponse(data []byte) (Response, error) {
	failed := Response{Status: StatusInternalError, Content: "Parse Error"}

	if len(data) > MaxFrameSize {
		return failed, ErrFrameTooLarge
	}
	s := strings.TrimRight(string(data), "\r\n")
	if s == "" {
		return failed, ErrEmptyFrame
	}

	status, content, found := strings.Cut(s, FrameSeparator)
	if !found {
		return failed, fmt.Errorf("%w: missing separator", ErrMalformedFrame)
	}
	code, err := strconv.Atoi(status)
	if err != nil || code < 0 {
		return failed, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if strings.Contains(content, FrameSeparator) {
		return failed, fmt.Errorf("%w: content contains %q", ErrMalformedFrame, FrameSeparator)
	}

	return Response{Status: code, Content: content}, nil
}

// ResponseText makes free text safe to carry as response content by
// replacing the frame separator, which content may not contain.
func ResponseText(s string) string {
	s = strings.ReplaceAll(s, FrameSeparator+" ", " - ")
	return strings.ReplaceAll(s, FrameSeparator, " ")
}

// JoinFields terminates every field with the field separator: ("a", "b") -> "a#b#"
func JoinFields(fields ...string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
		b.WriteString(FieldSeparator)
	}
	return b.String()
}

// SplitFields is the inverse of JoinFields. A missing final terminator is tolerated.
func SplitFields(content string) []string {
	if content == "" {
		return nil
	}
	fields := strings.Split(content, FieldSeparator)
	if fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	return fields
}

// ReadFrame reads one frame: the bytes returned by a single Read call.
// A zero-length read is reported as io.EOF (the peer went away).
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	n, err := r.Read(buf)
	if n > 0 {
		// Data that arrived together with an error is still a frame; the
		// error surfaces on the next read.
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// WriteFrame writes a complete frame
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	_, err := w.Write(payload)
	return err
}
