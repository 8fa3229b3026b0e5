package baresip

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode([]byte(`{"command":"dial"}`)))
	require.NoError(t, enc.Encode(nil))
	assert.Equal(t, `18:{"command":"dial"},0:,`, buf.String())
}

func TestDecoder_Stream(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`5:hello,0:,11:hello world,`))

	for _, want := range []string{"hello", "", "hello world"} {
		got, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_SplitReads(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for _, part := range []string{"1", "2:{\"event\":", "true}", ","} {
			pw.Write([]byte(part))
		}
		pw.Close()
	}()

	got, err := NewDecoder(pr).Decode()
	require.NoError(t, err)
	assert.Equal(t, `{"event":true}`, string(got))
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"missing comma", "3:abc;", ErrBadFrame},
		{"bad length", "x3:abc,", ErrBadFrame},
		{"leading zero", "03:abc,", ErrBadFrame},
		{"empty length", ":abc,", ErrBadFrame},
		{"too large", "99999999:", ErrBadFrame},
		{"truncated payload", "5:ab", io.ErrUnexpectedEOF},
		{"truncated length", "12", io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
