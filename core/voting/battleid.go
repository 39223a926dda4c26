package voting

import (
	"errors"
	"fmt"
	"time"
)

const (
	vendorPrefixWidth = 8
	sequenceWidth     = 4
	voterWidth        = 12

	// SessionIDLength is the fixed width of an encoded session identifier.
	SessionIDLength = vendorPrefixWidth + 4 + 4 + sequenceWidth + voterWidth

	maxVendorID = 99_999_999
	maxSequence = 9_999
	maxVoterID  = 999_999_999_999
)

var (
	// ErrVendorIDRange reports a vendor id that does not fit the 8 digit prefix.
	ErrVendorIDRange = errors.New("voting: vendor id exceeds prefix width")
	// ErrVoterIDRange reports a voter id that does not fit the 12 digit suffix.
	ErrVoterIDRange = errors.New("voting: voter id exceeds suffix width")
	// ErrSequenceRange reports a sequence number outside 1..9999.
	ErrSequenceRange = errors.New("voting: sequence out of range")
	// ErrMalformedSessionID is returned when decoding a string that is not a session id.
	ErrMalformedSessionID = errors.New("voting: malformed session id")
)

// SessionID identifies one rewarded vote slot on the ledger. The layout is
// vendor(8) | year(4) | MMDD(4) | sequence(4) | voter(12), all decimal digits.
type SessionID string

// EncodeSessionID derives the session identifier for the sequence-th rewarded
// vote cast by voterID for vendorID on the calendar day of day. Every slot of
// a day gets its own identifier.
func EncodeSessionID(vendorID, voterID uint64, day time.Time, sequence int) (SessionID, error) {
	if vendorID > maxVendorID {
		return "", fmt.Errorf("%w: %d", ErrVendorIDRange, vendorID)
	}
	if voterID > maxVoterID {
		return "", fmt.Errorf("%w: %d", ErrVoterIDRange, voterID)
	}
	if sequence < 1 || sequence > maxSequence {
		return "", fmt.Errorf("%w: %d", ErrSequenceRange, sequence)
	}
	id := fmt.Sprintf("%0*d%04d%02d%02d%0*d%0*d",
		vendorPrefixWidth, vendorID,
		day.Year(), int(day.Month()), day.Day(),
		sequenceWidth, sequence,
		voterWidth, voterID,
	)
	return SessionID(id), nil
}

// Components is the decoded form of a SessionID.
type Components struct {
	VendorID uint64
	VoterID  uint64
	Year     int
	Month    time.Month
	Day      int
	Sequence int
}

// Decode splits the identifier back into its components.
func (id SessionID) Decode() (Components, error) {
	raw := string(id)
	if len(raw) != SessionIDLength {
		return Components{}, ErrMalformedSessionID
	}
	var c Components
	var month int
	if _, err := fmt.Sscanf(raw, "%8d%4d%2d%2d%4d%12d", &c.VendorID, &c.Year, &month, &c.Day, &c.Sequence, &c.VoterID); err != nil {
		return Components{}, fmt.Errorf("%w: %v", ErrMalformedSessionID, err)
	}
	c.Month = time.Month(month)
	return c, nil
}

// String implements fmt.Stringer.
func (id SessionID) String() string { return string(id) }
