package client

import (
	"fmt"
	"mime"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/ianaindex"
)

// decodeCharset converts data to UTF-8 according to the charset parameter
// of contentType. Unknown or absent charsets leave data as is.
func decodeCharset(contentType string, data []byte) (string, error) {
	if contentType == "" {
		return string(data), nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return string(data), nil
	}
	label, ok := params["charset"]
	if !ok {
		return string(data), nil
	}
	label = strings.ToLower(label)
	if strings.Contains(label, "utf-8") || strings.Contains(label, "utf8") {
		return string(data), nil
	}
	enc, _ := htmlcharset.Lookup(label)
	if enc == nil {
		enc, err = ianaindex.MIME.Encoding(label)
		if err != nil || enc == nil {
			return string(data), nil
		}
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", &ProtocolError{Err: fmt.Errorf("decode %s body: %w", label, err)}
	}
	return string(out), nil
}
