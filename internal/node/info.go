package node

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrBadInfo reports an info string that does not decode.
var ErrBadInfo = errors.New("node: malformed info string")

// Info is what one user hands another to connect: who they are, which
// lighthouse endpoint they registered, and where that lighthouse lives.
type Info struct {
	Fingerprint string    `json:"f"`
	Endpoint    uuid.UUID `json:"i"`
	Lighthouse  string    `json:"l"`
}

// EncodeInfo renders info as base64 JSON.
func EncodeInfo(info Info) (string, error) {
	b, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeInfo parses an EncodeInfo string. Surrounding whitespace is
// ignored.
func DecodeInfo(s string) (Info, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrBadInfo, err)
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrBadInfo, err)
	}
	switch {
	case info.Fingerprint == "":
		return Info{}, fmt.Errorf("%w: missing fingerprint", ErrBadInfo)
	case info.Lighthouse == "":
		return Info{}, fmt.Errorf("%w: missing lighthouse", ErrBadInfo)
	}
	return info, nil
}
