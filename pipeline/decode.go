package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime/quotedprintable"
)

// Decode strips the content transfer encoding from body. Encodings other
// than base64 and quoted-printable are passed through untouched.
func Decode(encoding string, body []byte) ([]byte, error) {
	switch encoding {
	case "base64":
		cleaned := make([]byte, 0, len(body))
		for _, b := range body {
			if isBase64Byte(b) {
				cleaned = append(cleaned, b)
			}
		}
		out := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(out, cleaned)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrDecode, err)
		}
		return out[:n], nil
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: quoted-printable: %v", ErrDecode, err)
		}
		return out, nil
	default:
		return body, nil
	}
}

func isBase64Byte(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '+' || b == '/' || b == '='
}
