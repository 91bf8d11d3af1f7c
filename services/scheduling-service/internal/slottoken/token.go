// Package slottoken encodes a provider's slot as an opaque string clients hand back when booking.
//
// A token is the provider id, an underscore, and the slot start as zero-padded 24-hour HHMM.
// Decoding splits at the last underscore, so provider ids may contain underscores themselves.
// The date is not part of the token; callers carry it alongside.
package slottoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

const Separator = "_"

var ErrMalformed = errors.New("malformed slot token")

// Encode formats start in its own location, so pass it in the provider's time zone.
func Encode(providerID string, start time.Time) string {
	return providerID + Separator + start.Format("1504")
}

func Decode(token string) (string, model.ClockTime, error) {
	i := strings.LastIndex(token, Separator)
	if i <= 0 {
		return "", model.ClockTime{}, fmt.Errorf("%w: %q", ErrMalformed, token)
	}
	providerID, suffix := token[:i], token[i+len(Separator):]
	if len(suffix) != 4 {
		return "", model.ClockTime{}, fmt.Errorf("%w: time suffix must be HHMM", ErrMalformed)
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", model.ClockTime{}, fmt.Errorf("%w: time suffix must be digits", ErrMalformed)
		}
	}
	clock := model.ClockTime{
		Hour:   int(suffix[0]-'0')*10 + int(suffix[1]-'0'),
		Minute: int(suffix[2]-'0')*10 + int(suffix[3]-'0'),
	}
	if !clock.Valid() {
		return "", model.ClockTime{}, fmt.Errorf("%w: %s is not a time of day", ErrMalformed, suffix)
	}
	return providerID, clock, nil
}
