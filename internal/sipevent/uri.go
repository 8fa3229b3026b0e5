package sipevent

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// CallerNumber extracts the user part of a remote URI such as
// `"Alice" <sip:1001@pbx.example.com>`. A URI that does not parse is returned unchanged.
func CallerNumber(remoteURI string) string {
	s := strings.TrimSpace(remoteURI)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}
	if s == "" {
		return remoteURI
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil || uri.User == "" {
		return remoteURI
	}
	return uri.User
}
