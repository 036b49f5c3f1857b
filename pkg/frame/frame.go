// Package frame recovers structured sensor readings from the free-text
// diagnostic frames emitted by the shelf-scale firmware. The firmware does not
// speak a fixed binary protocol; field labels and formatting have drifted
// across hardware revisions, so decoding is a cascade of patterns ordered from
// most specific to least specific.
package frame

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Muskantaranum/btshelf/pkg/shelf"
)

const (

	// PresenceEpsilon is the weight magnitude below which presence is inferred
	// as absent when the frame carries no presence field
	PresenceEpsilon = 0.1
)

// Weight extraction cascade, first finite match wins. The bare-number
// fallback is deliberately scoped to a whole line (see weightLinePattern) so
// it cannot consume an unrelated numeric substring such as an RSSI value
// embedded in a diagnostic line.
var weightPatterns = []*regexp.Regexp{

	// "Weight: 342.50 g", "Weight=342.50"
	regexp.MustCompile(`(?i)weight\s*[:=]\s*(-?\d+(?:\.\d+)?)`),

	// "W:0.00", "w= -1.2"
	regexp.MustCompile(`(?i)\bw\s*[:=]\s*(-?\d+(?:\.\d+)?)`),

	// "342.50 g", "0.3kg" (unit-suffixed number anywhere in the frame)
	regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*(?:kg|g)\b`),
}

// A bare number is only accepted when it makes up an entire line of the frame
var weightLinePattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*$`)

// Presence field labels, matched per line, first match on any line wins
var presencePattern = regexp.MustCompile(`(?i)\b(?:object|presence|status|obj|pres)\s*[:=]?\s*([A-Za-z ]+)`)

// Optional shelf / location label ("Shelf: Shelf2")
var locationPattern = regexp.MustCompile(`(?i)\bshelf\s*[:=]?\s*([A-Za-z0-9_-]+)`)

// Decode converts a raw notification payload into a SensorReading stamped
// with the current time. Decoding is pure apart from the timestamp; see
// DecodeAt
func Decode(payload []byte) (shelf.SensorReading, error) {
	return DecodeAt(payload, time.Now())
}

// DecodeAt converts a raw notification payload into a SensorReading captured
// at the given time. A frame without a usable weight field fails with a
// DecodeError carrying the cleaned payload; a frame without a presence field
// gets its presence inferred from the weight magnitude
func DecodeAt(payload []byte, at time.Time) (shelf.SensorReading, error) {

	cleaned := clean(payload)
	if cleaned == "" {
		return shelf.SensorReading{}, shelf.NewDecodeError(cleaned, "empty frame")
	}

	weight, ok := extractWeight(cleaned)
	if !ok {
		return shelf.SensorReading{}, shelf.NewDecodeError(cleaned, "no weight field")
	}

	reading := shelf.SensorReading{
		TimeStamp: at,
		Weight:    weight,
		Location:  extractLocation(cleaned),
	}

	presence, found := extractPresence(cleaned)
	if !found {

		// Peripherals that omit the presence field still get a usable flag
		presence = inferPresence(weight)
	}
	reading.Presence = presence

	return reading, nil
}

// clean strips non-printable control bytes from the payload, preserving line
// breaks (the presence field may live on a different line than the weight)
func clean(payload []byte) string {
	var b strings.Builder
	b.Grow(len(payload))

	for _, c := range string(payload) {
		switch {
		case c == '\n':
			b.WriteRune(c)
		case c == '\r', c == '\t':
			b.WriteRune(' ')
		case c < 0x20 || c == 0x7f:
			// drop
		default:
			b.WriteRune(c)
		}
	}

	return strings.TrimSpace(b.String())
}

func extractWeight(cleaned string) (float64, bool) {

	for _, pattern := range weightPatterns {
		if m := pattern.FindStringSubmatch(cleaned); m != nil {
			if w, ok := parseFinite(m[1]); ok {
				return w, true
			}
		}
	}

	// Last resort: a line consisting of nothing but a number
	for _, line := range strings.Split(cleaned, "\n") {
		if m := weightLinePattern.FindStringSubmatch(line); m != nil {
			if w, ok := parseFinite(m[1]); ok {
				return w, true
			}
		}
	}

	return 0, false
}

// parseFinite parses a captured number, rejecting NaN / Inf. Negative values
// are legitimate (sensor noise near zero can read slightly negative)
func parseFinite(s string) (float64, bool) {
	w, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0, false
	}
	return w, true
}

func extractPresence(cleaned string) (shelf.Presence, bool) {

	for _, line := range strings.Split(cleaned, "\n") {
		m := presencePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if p := classifyPresence(m[1]); p != shelf.PresenceUnknown {
			return p, true
		}
	}

	return shelf.PresenceUnknown, false
}

// classifyPresence maps a captured presence value ("Object Detected",
// "No Object", "absent", ...) onto the tri-state classification. Negations
// are checked first so that "no object detected" reads as absent
func classifyPresence(value string) shelf.Presence {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return shelf.PresenceUnknown
	}

	for _, token := range strings.Fields(value) {
		switch token {
		case "no", "none", "absent", "empty", "clear":
			return shelf.PresenceAbsent
		}
	}

	if strings.Contains(value, "detect") || strings.Contains(value, "present") ||
		strings.Contains(value, "placed") || strings.Contains(value, "yes") {
		return shelf.PresencePresent
	}

	return shelf.PresenceUnknown
}

func inferPresence(weight float64) shelf.Presence {
	if math.Abs(weight) < PresenceEpsilon {
		return shelf.PresenceAbsent
	}
	return shelf.PresencePresent
}

func extractLocation(cleaned string) string {
	if m := locationPattern.FindStringSubmatch(cleaned); m != nil {
		return m[1]
	}
	return ""
}
