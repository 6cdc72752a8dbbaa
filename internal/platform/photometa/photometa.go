// Package photometa reads capture metadata from uploaded photos.
package photometa

import (
	"bytes"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

const exifLayout = "2006:01:02 15:04:05"

// captureFields is the preference order for the capture timestamp.
var captureFields = []exif.FieldName{
	exif.DateTimeOriginal,
	exif.DateTime,
	exif.DateTimeDigitized,
}

// CaptureTime returns when the photo was taken, interpreting the EXIF wall
// clock in loc. ok is false when the image carries no usable timestamp.
func CaptureTime(image []byte, loc *time.Location) (t time.Time, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	x, err := exif.Decode(bytes.NewReader(image))
	if err != nil || x == nil {
		return time.Time{}, false
	}
	for _, f := range captureFields {
		tag, err := x.Get(f)
		if err != nil {
			continue
		}
		s, err := tag.StringVal()
		if err != nil {
			continue
		}
		s = strings.TrimRight(strings.TrimSpace(s), "\x00")
		ts, err := time.ParseInLocation(exifLayout, s, loc)
		if err != nil || ts.Year() < 1970 {
			continue
		}
		return ts, true
	}
	return time.Time{}, false
}

// CaptureTimeOr returns the capture time or fallback.
func CaptureTimeOr(image []byte, loc *time.Location, fallback time.Time) time.Time {
	if t, ok := CaptureTime(image, loc); ok {
		return t
	}
	return fallback
}
