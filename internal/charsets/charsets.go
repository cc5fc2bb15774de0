package charsets

import (
	"bytes"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

var boms = []struct {
	bom []byte
	enc string
}{
	{[]byte{0xfe, 0xff}, "utf-16be"},
	{[]byte{0xff, 0xfe}, "utf-16le"},
	{[]byte{0xef, 0xbb, 0xbf}, "utf-8"},
}

// FindEncoding sniffs the encoding of content, honoring a BOM first, then
// the charset parameter of contentType, then an HTML <meta> declaration.
// A nil encoding means the content is already UTF-8.
func FindEncoding(content []byte, contentType string) (enc encoding.Encoding, name string) {
	if len(content) == 0 {
		return nil, ""
	}
	for _, b := range boms {
		if bytes.HasPrefix(content, b.bom) {
			enc, name = htmlcharset.Lookup(b.enc)
			return utf8AsNil(enc, name)
		}
	}
	enc, name, certain := htmlcharset.DetermineEncoding(content, contentType)
	if !certain && !isText(contentType) {
		// DetermineEncoding falls back to windows-1252 for anything it
		// cannot prove; binary payloads must stay untouched.
		return nil, ""
	}
	return utf8AsNil(enc, name)
}

// Decode converts content to a UTF-8 string.
func Decode(content []byte, contentType string) string {
	enc, _ := FindEncoding(content, contentType)
	if enc == nil {
		return string(content)
	}
	s, _, err := transform.Bytes(enc.NewDecoder(), content)
	if err != nil {
		return string(content)
	}
	return string(s)
}

func utf8AsNil(enc encoding.Encoding, name string) (encoding.Encoding, string) {
	if strings.ToLower(name) == "utf-8" {
		return nil, name
	}
	return enc, name
}

func isText(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}
