package ldap

import (
	"fmt"

	"github.com/google/uuid"
)

// GUIDBytesLength is the length of a binary objectGUID.
const GUIDBytesLength = 16

// DecodeGUID converts a binary objectGUID to its canonical string form.
// Active Directory stores the first three GUID fields little-endian.
func DecodeGUID(guidBytes []byte) (string, error) {
	if len(guidBytes) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(guidBytes))
	}

	var u uuid.UUID
	copy(u[:], guidBytes)

	u[0], u[1], u[2], u[3] = guidBytes[3], guidBytes[2], guidBytes[1], guidBytes[0]
	u[4], u[5] = guidBytes[5], guidBytes[4]
	u[6], u[7] = guidBytes[7], guidBytes[6]

	return u.String(), nil
}
