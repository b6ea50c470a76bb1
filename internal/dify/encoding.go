package dify

import "encoding/base64"

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	// Some clients emit unpadded base64 in data URIs.
	return base64.RawStdEncoding.DecodeString(s)
}
