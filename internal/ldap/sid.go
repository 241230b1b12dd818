package ldap

import (
	"fmt"

	"github.com/bwmarrin/go-objectsid"
)

// minSIDLength is the size of a SID header with no sub-authorities.
const minSIDLength = 8

// DecodeSID converts a binary objectSid to its S-1-5-21-... string form.
func DecodeSID(binarySID []byte) (string, error) {
	if len(binarySID) < minSIDLength {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(binarySID))
	}

	subAuthorities := int(binarySID[1])
	if want := minSIDLength + 4*subAuthorities; len(binarySID) < want {
		return "", fmt.Errorf("binary SID truncated: expected %d bytes, got %d", want, len(binarySID))
	}

	sid := objectsid.Decode(binarySID)
	return sid.String(), nil
}
