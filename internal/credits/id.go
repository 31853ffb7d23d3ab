package credits

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	recordIDLength      = sha256.Size * 2
	canonicalSeparator  = "|"
	errFormatRecordID   = "%w: expected %d lowercase hex characters"
	errFormatNonHexByte = "%w: unexpected character %q"
)

// ErrInvalidRecordID indicates that a record identifier is not a lowercase hex SHA-256 digest.
var ErrInvalidRecordID = errors.New("credits: invalid record id")

// RecordID is the content-derived identifier of a Record.
type RecordID string

// NewRecordID validates raw input and returns a RecordID. The input is not trimmed or case-folded:
// identifiers travel in their canonical form.
func NewRecordID(rawInput string) (RecordID, error) {
	if len(rawInput) != recordIDLength {
		return "", fmt.Errorf(errFormatRecordID, ErrInvalidRecordID, recordIDLength)
	}
	for _, character := range rawInput {
		if (character < '0' || character > '9') && (character < 'a' || character > 'f') {
			return "", fmt.Errorf(errFormatNonHexByte, ErrInvalidRecordID, character)
		}
	}
	return RecordID(rawInput), nil
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}

// DeriveRecordID computes the deterministic identifier for the provided attributes.
// Inputs that differ only in surrounding whitespace or letter case map to the same identifier.
func DeriveRecordID(attributes RecordAttributes) RecordID {
	sum := sha256.Sum256([]byte(canonicalForm(attributes)))
	return RecordID(hex.EncodeToString(sum[:]))
}

func canonicalForm(attributes RecordAttributes) string {
	return strings.Join([]string{
		canonicalText(attributes.projectName),
		canonicalText(attributes.registry),
		strconv.Itoa(attributes.vintage.Int()),
		strconv.FormatInt(attributes.quantity.Int64(), 10),
		canonicalText(attributes.serialNumber),
	}, canonicalSeparator)
}

func canonicalText(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
