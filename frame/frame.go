// Package frame classifies raw bytes received from a fish device.
//
// Decode is pure and total: every payload yields exactly one Frame. The
// structured formats are tried in a fixed priority order (device alarm first,
// then SENDIM notification), and anything else falls back to printable text
// or a base64 capture of the raw bytes.
package frame

import (
	"encoding/base64"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// MaxMessageLen is the number of characters kept for fallback captures.
	MaxMessageLen = 2000
	// TruncationMarker is appended when a fallback capture was cut.
	TruncationMarker = "..."
)

// Kind names a frame variant in logs and metrics.
type Kind string

const (
	KindStructuredAlarm Kind = "structured_alarm"
	KindAckNotification Kind = "ack_notification"
	KindPlainText       Kind = "plain_text"
	KindBinaryOpaque    Kind = "binary_opaque"
)

// Frame is one decoded unit from a single inbound data event.
type Frame interface {
	Kind() Kind
	isFrame()
}

// StructuredAlarm is an `ID=..;C=..;IMG=..;POS=lat,lon` device alarm.
// LatRaw and LonRaw keep the text as received; Lat and Lon are nil when the
// text is not a finite number.
type StructuredAlarm struct {
	DeviceTag     string
	Channel       string
	ImageFilename string
	LatRaw        string
	LonRaw        string
	Lat           *float64
	Lon           *float64
}

// AckNotification is a `+++AT*SENDIM,...,ALARM-OK,<file>` message.
type AckNotification struct {
	ImageFilename string
}

// PlainText is printable text that matched no structured format.
type PlainText struct {
	Text      string
	Truncated bool
}

// BinaryOpaque holds base64 of a payload that is not printable text.
type BinaryOpaque struct {
	Encoded   string
	Truncated bool
}

func (StructuredAlarm) Kind() Kind { return KindStructuredAlarm }
func (AckNotification) Kind() Kind { return KindAckNotification }
func (PlainText) Kind() Kind       { return KindPlainText }
func (BinaryOpaque) Kind() Kind    { return KindBinaryOpaque }

func (StructuredAlarm) isFrame() {}
func (AckNotification) isFrame() {}
func (PlainText) isFrame()       {}
func (BinaryOpaque) isFrame()    {}

var (
	alarmPattern  = regexp.MustCompile(`(?i)ID=([^;]+);C=([^;]+);IMG=([^;]+);POS=([^,]+),([^;\s]+)`)
	sendimPattern = regexp.MustCompile(`(?i)\+\+\+AT\*SENDIM,[^,]*,[^,]*,[^,]*,ALARM-OK,([^,\r\n\s]+)`)
)

// Decode classifies payload. It never fails and never returns nil.
func Decode(payload []byte) Frame {
	text := string(payload)
	valid := utf8.ValidString(text)

	if valid {
		trimmed := strings.TrimSpace(text)
		if m := alarmPattern.FindStringSubmatch(trimmed); m != nil {
			return StructuredAlarm{
				DeviceTag:     m[1],
				Channel:       m[2],
				ImageFilename: m[3],
				LatRaw:        m[4],
				LonRaw:        m[5],
				Lat:           parseCoordinate(m[4]),
				Lon:           parseCoordinate(m[5]),
			}
		}
		if m := sendimPattern.FindStringSubmatch(trimmed); m != nil {
			return AckNotification{ImageFilename: m[1]}
		}
		if isPrintable(text) {
			out, cut := truncate(text)
			return PlainText{Text: out, Truncated: cut}
		}
	}

	out, cut := truncate(base64.StdEncoding.EncodeToString(payload))
	return BinaryOpaque{Encoded: out, Truncated: cut}
}

// NeedsAck reports whether f must be answered on the originating connection,
// and with which filename. Only device alarms are acknowledged; a SENDIM
// message is itself an acknowledgment and answering it would loop.
func NeedsAck(f Frame) (string, bool) {
	if a, ok := f.(StructuredAlarm); ok {
		return a.ImageFilename, true
	}
	return "", false
}

// AckReply builds the acknowledgment written back after a device alarm.
func AckReply(filename string) []byte {
	return []byte("+++AT*SENDIM,33,2,ack,ALARM-OK," + filename + "\r\n")
}

func parseCoordinate(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// isPrintable requires a non-empty string of printable ASCII plus tab, CR and LF.
func isPrintable(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\t' || c == '\r' || c == '\n' {
			continue
		}
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

// truncate keeps the first MaxMessageLen characters. Inputs reaching here are
// ASCII, so bytes and characters coincide.
func truncate(s string) (string, bool) {
	if len(s) <= MaxMessageLen {
		return s, false
	}
	return s[:MaxMessageLen] + TruncationMarker, true
}
