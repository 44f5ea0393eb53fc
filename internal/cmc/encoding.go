package cmc

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// decodeBase64 decodes standard base64, ignoring line breaks and other
// whitespace. URL form submissions turn '+' into ' ', so spaces inside the
// data are restored first.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("\r", "", "\n", "", "\t", "", " ", "+").Replace(s)

	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	return der, nil
}
