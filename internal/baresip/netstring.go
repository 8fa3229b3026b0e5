package baresip

import (
	"bufio"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/404-not-find/SipVoice/internal/errorutil"
)

// ErrBadFrame is returned for input that is not a well formed netstring.
const ErrBadFrame errorutil.Error = "malformed netstring"

// MaxFrameSize bounds a single ctrl_tcp message.
const MaxFrameSize = 1 << 20

// Encoder writes netstrings: <length>:<data>,
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode frames data in a single write so concurrent frames never interleave
// on the wire when the caller serializes Encode calls.
func (e *Encoder) Encode(data []byte) error {
	buf := make([]byte, 0, len(data)+12)
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, ':')
	buf = append(buf, data...)
	buf = append(buf, ',')
	_, err := e.w.Write(buf)
	return errtrace.Wrap(err)
}

// Decoder reads netstrings from a stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// Decode returns the payload of the next netstring. A malformed frame is
// fatal for the stream: there is no way to find the next frame boundary.
func (d *Decoder) Decode() ([]byte, error) {
	length := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if digits > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errtrace.Wrap(err)
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrBadFrame, "unexpected byte %q in length", b))
		}
		if digits > 0 && length == 0 {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrBadFrame, "leading zero in length"))
		}
		length = length*10 + int(b-'0')
		digits++
		if length > MaxFrameSize {
			return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrBadFrame, "frame exceeds %d bytes", MaxFrameSize))
		}
	}
	if digits == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrBadFrame, "empty length"))
	}

	payload := make([]byte, length+1)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errtrace.Wrap(err)
	}
	if payload[length] != ',' {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrBadFrame, "missing trailing comma"))
	}
	return payload[:length], nil
}
