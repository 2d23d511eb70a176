package lock

import (
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// checkAlphabet encodes check values 0..36.
const checkAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ+"

// checkDigit computes the base-37 checksum character over the 32 hex digits
// of a UUID string. Each digit contributes its value (0-15) weighted by a
// descending multiplier starting at 36; the check character is chosen so
// the weighted sum plus the check value is divisible by 37.
func checkDigit(uuidStr string) (byte, error) {
	sum := 0
	multiplier := 36
	digits := 0
	for i := 0; i < len(uuidStr); i++ {
		c := uuidStr[i]
		if c == '-' {
			continue
		}
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'a' && c <= 'f':
			v = int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int(c-'A') + 10
		default:
			return 0, fmt.Errorf("bad uuid character %q", c)
		}
		sum += v * multiplier
		multiplier--
		digits++
	}
	if digits != 32 {
		return 0, fmt.Errorf("uuid has %d hex digits, want 32", digits)
	}
	return checkAlphabet[(37-sum%37)%37], nil
}

// FormatToken renders the lock token for a node: the canonical UUID form
// followed by "-" and the check digit.
func FormatToken(id types.NodeID) string {
	s := id.String()
	d, err := checkDigit(s)
	if err != nil {
		// NodeID.String always yields a well-formed UUID.
		panic(err)
	}
	return s + "-" + string(d)
}

// ParseToken validates a lock token and returns the node id it names.
// Tokens with a bad check digit or malformed UUID are rejected.
func ParseToken(token string) (types.NodeID, error) {
	sep := strings.LastIndexByte(token, '-')
	if sep < 0 || sep != len(token)-2 {
		return types.NilNodeID, fmt.Errorf("malformed lock token %q: %w", token, errdefs.ErrProtocol)
	}
	uuidStr := token[:sep]
	want, err := checkDigit(uuidStr)
	if err != nil {
		return types.NilNodeID, fmt.Errorf("malformed lock token %q: %w", token, errdefs.ErrProtocol)
	}
	if token[sep+1] != want {
		return types.NilNodeID, fmt.Errorf("lock token %q has bad check digit: %w", token, errdefs.ErrProtocol)
	}
	id, err := types.ParseNodeID(uuidStr)
	if err != nil {
		return types.NilNodeID, fmt.Errorf("malformed lock token %q: %w", token, errdefs.ErrProtocol)
	}
	return id, nil
}
