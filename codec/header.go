package codec

import (
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header holds message header fields keyed by canonical name.
type Header map[string][]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if vv := h[textproto.CanonicalMIMEHeaderKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

func (h Header) Has(key string) bool {
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func (h Header) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

func (h Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

func (h Header) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, vv := range h {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

// ContainsToken reports whether any comma separated element of the named
// field equals token, ignoring case.
func (h Header) ContainsToken(key, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(key), token)
}

// Write serializes h in sorted key order. Host is written first when
// present. Names and values are validated before anything is written.
func (h Header) Write(w io.Writer) error {
	keys := make([]string, 0, len(h))
	for k, vv := range h {
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("codec: invalid header field name %q", k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("codec: invalid header field value for %q", k)
			}
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "Host" {
			return keys[j] != "Host"
		}
		if keys[j] == "Host" {
			return false
		}
		return keys[i] < keys[j]
	})
	var sb strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
