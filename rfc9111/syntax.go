package rfc9111

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// §  1.2.2.  Delta Seconds
// §
// §     The delta-seconds rule specifies a non-negative integer, representing
// §     time in seconds.
// §
// §       delta-seconds  = 1*DIGIT
// §
// §     A recipient parsing a delta-seconds value and converting it to binary
// §     form ought to use an arithmetic type of at least 31 bits of non-
// §     negative integer range.  If a cache receives a delta-seconds value
// §     greater than the greatest integer it can represent, or if any of its
// §     subsequent calculations overflows, the cache MUST consider the value
// §     to be 2147483648 (2^31) or the greatest positive integer it can
// §     conveniently represent.
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(strings.TrimSpace(secondsStr), 10, 64); err == nil {
		if seconds > 2147483648 {
			seconds = 2147483648
		}
		return time.Second * time.Duration(seconds)
	}
	return 0
}

func toDeltaSeconds(duration time.Duration) string {
	if duration < 0 {
		duration = 0
	}
	return fmt.Sprintf("%.f", duration.Seconds())
}

// This section is from the HTTP specification (RFC9110), not the cache specification
//
// §  5.6.7.  Date/Time Formats
// §
// §       HTTP-date    = IMF-fixdate / obs-date
// §
// §     A recipient that parses a timestamp value in an HTTP field MUST
// §     accept all three HTTP-date formats.  When a sender generates a field
// §     that contains one or more timestamps defined as HTTP-date, the sender
// §     MUST generate those timestamps in the IMF-fixdate format.
func HttpDate(dateStr string) (time.Time, error) {
	if date, err := imfDate(dateStr); err == nil {
		return date, err
	} else {
		// try to parse as obsolete date
		if date, err := obsDate(dateStr); err == nil {
			return date, err
		}
		// return original error if unsuccessful
		return date, err
	}
}

// ToHttpDate formats the time in the preferred IMF-fixdate format.
func ToHttpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 MST"

func imfDate(dateStr string) (time.Time, error) {
	date, err := time.Parse(imfDateLayout, normalizeDateStr(dateStr))
	if err != nil {
		return date, err
	}
	if date.Location().String() != "GMT" {
		return date, fmt.Errorf("Date %s is not in GMT time, but %s", date, date.Location())
	}
	return date, err
}

// §     Obsolete formats:
// §
// §       obs-date     = rfc850-date / asctime-date
func obsDate(dateStr string) (time.Time, error) {
	str := normalizeDateStr(dateStr)
	if date, err := time.Parse(time.RFC850, str); err == nil {
		return date, err
	}
	return time.Parse(time.ANSIC, str)
}

// §     HTTP-date is case sensitive.  Note that Section 4.2 of [CACHING]
// §     relaxes this for cache recipients.
func normalizeDateStr(dateStr string) string {
	return strings.ToUpper(dateStr)
}
