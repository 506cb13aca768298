package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeMedia decodes a base64 payload, accepting an optional
// "data:<type>;base64," prefix.
func DecodeMedia(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 {
			return nil, fmt.Errorf("%w: malformed data URL", ErrBadRequest)
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: media is not valid base64: %v", ErrBadRequest, err)
	}
	return data, nil
}
