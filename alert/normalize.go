package alert

import (
	"fmt"
	"strconv"

	"github.com/T-en1991/demo111/frame"
)

// Normalize maps a decoded frame to the record stored for it. source is the
// remote peer as host:port and deviceID the device owning the listener.
func Normalize(f frame.Frame, deviceID int64, source string) Record {
	rec := Record{
		Source:   source,
		Status:   StatusActive,
		DeviceID: &deviceID,
	}

	switch v := f.(type) {
	case frame.StructuredAlarm:
		rec.Title = "Alarm from device " + v.DeviceTag
		rec.Level = LevelCritical
		rec.Type = "alarm"
		rec.Message = fmt.Sprintf("device=%s;channel=%s;img=%s;pos=%s,%s",
			v.DeviceTag, v.Channel, v.ImageFilename, v.LatRaw, v.LonRaw)
		rec.ImageFile = stringPtr(v.ImageFilename)
		rec.Lat = v.Lat
		rec.Lon = v.Lon
	case frame.AckNotification:
		rec.Title = "Alarm (SENDIM) received"
		rec.Level = LevelCritical
		rec.Type = "alarm"
		rec.Message = "sendim=" + v.ImageFilename
		rec.ImageFile = stringPtr(v.ImageFilename)
	case frame.PlainText:
		fallback(&rec, deviceID, v.Text)
	case frame.BinaryOpaque:
		fallback(&rec, deviceID, v.Encoded)
	default:
		fallback(&rec, deviceID, "")
	}

	return rec
}

func fallback(rec *Record, deviceID int64, message string) {
	id := strconv.FormatInt(deviceID, 10)
	rec.Title = "Alarm from fish " + id
	rec.Level = LevelInfo
	rec.Type = "fish-" + id
	rec.Message = message
}

func stringPtr(s string) *string { return &s }
