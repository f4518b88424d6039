package media

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/lumen-gallery/lumen/pkg/logger"
	"github.com/rwcarlsen/goexif/exif"
)

var log = logger.Get("Extractor")

// ValueNotFound is the sentinel recorded for any metadata attribute
// that could not be parsed from the image. Extraction is best-effort:
// a missing or corrupt tag defaults the single attribute, never the
// whole document.
const ValueNotFound = "unknown"

// exifTimeLayout is the timestamp format mandated by the EXIF standard.
const exifTimeLayout = "2006:01:02 15:04:05"

// timestampCandidates are tried in priority order; the first tag that
// both exists and parses wins.
var timestampCandidates = []exif.FieldName{
	exif.DateTimeOriginal,
	exif.DateTimeDigitized,
	exif.DateTime,
}

type (
	Coordinates struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}

	CameraInfo struct {
		Make     string `json:"make"`
		Model    string `json:"model"`
		Software string `json:"software"`
		Lens     string `json:"lens"`
	}

	CaptureSettings struct {
		ISO          string `json:"iso"`
		Aperture     string `json:"aperture"`
		ShutterSpeed string `json:"shutterSpeed"`
		FocalLength  string `json:"focalLength"`
		Flash        string `json:"flash"`
		WhiteBalance string `json:"whiteBalance"`
	}

	Dimensions struct {
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		Orientation string `json:"orientation"`
		ColorSpace  string `json:"colorSpace"`
	}

	// Metadata aggregates the capture information embedded in a single
	// image. Every attribute is independently defaulted.
	Metadata struct {
		Timestamp   string          `json:"timestamp"`
		Coordinates *Coordinates    `json:"coordinates,omitempty"`
		Address     string          `json:"location"`
		Camera      CameraInfo      `json:"camera"`
		Settings    CaptureSettings `json:"settings"`
		Dimensions  Dimensions      `json:"dimensions"`
	}

	geocoder interface {
		ReverseLookup(ctx context.Context, latitude float64, longitude float64) (string, bool)
	}

	// Extractor parses embedded capture metadata from image byte
	// buffers. A nil geocoder disables address resolution.
	Extractor struct {
		geocoder geocoder
	}
)

func NewExtractor(geocoder geocoder) *Extractor {
	return &Extractor{geocoder: geocoder}
}

// Extract parses the embedded capture tags of the provided image. It
// NEVER fails: on any parse error a fully-defaulted metadata object is
// returned instead, as metadata must not block or fail an upload.
func (extractor *Extractor) Extract(ctx context.Context, buffer []byte, filename string) *Metadata {
	metadata := defaultMetadata()

	parsed, err := exif.Decode(bytes.NewReader(buffer))
	if err != nil {
		log.Emit(logger.DEBUG, "No parseable capture metadata in %s: %s\n", filename, err.Error())
		return metadata
	}

	metadata.Timestamp = extractTimestamp(parsed)
	metadata.Coordinates = extractCoordinates(parsed)
	metadata.Camera = extractCamera(parsed)
	metadata.Settings = extractSettings(parsed)
	metadata.Dimensions = extractDimensions(parsed)

	if metadata.Coordinates != nil && extractor.geocoder != nil {
		if address, ok := extractor.geocoder.ReverseLookup(ctx, metadata.Coordinates.Latitude, metadata.Coordinates.Longitude); ok {
			metadata.Address = address
		}
	}

	return metadata
}

func defaultMetadata() *Metadata {
	return &Metadata{
		Timestamp: ValueNotFound,
		Address:   ValueNotFound,
		Camera: CameraInfo{
			Make:     ValueNotFound,
			Model:    ValueNotFound,
			Software: ValueNotFound,
			Lens:     ValueNotFound,
		},
		Settings: CaptureSettings{
			ISO:          ValueNotFound,
			Aperture:     ValueNotFound,
			ShutterSpeed: ValueNotFound,
			FocalLength:  ValueNotFound,
			Flash:        ValueNotFound,
			WhiteBalance: ValueNotFound,
		},
		Dimensions: Dimensions{
			Orientation: ValueNotFound,
			ColorSpace:  ValueNotFound,
		},
	}
}

// extractTimestamp tries each candidate tag in priority order and
// returns the first one that parses, formatted as RFC3339.
func extractTimestamp(parsed *exif.Exif) string {
	for _, candidate := range timestampCandidates {
		tag, err := parsed.Get(candidate)
		if err != nil {
			continue
		}

		raw, err := tag.StringVal()
		if err != nil {
			continue
		}

		if stamp, err := time.Parse(exifTimeLayout, raw); err == nil {
			return stamp.UTC().Format(time.RFC3339)
		}
	}

	return ValueNotFound
}

// extractCoordinates resolves GPS coordinates, preferring the library's
// pre-decoded decimal representation and falling back to a raw
// degrees/minutes/seconds parse with hemisphere-aware sign conversion.
func extractCoordinates(parsed *exif.Exif) *Coordinates {
	if lat, long, err := parsed.LatLong(); err == nil {
		return &Coordinates{Latitude: lat, Longitude: long}
	}

	lat, latOk := rawCoordinate(parsed, exif.GPSLatitude, exif.GPSLatitudeRef)
	long, longOk := rawCoordinate(parsed, exif.GPSLongitude, exif.GPSLongitudeRef)
	if !latOk || !longOk {
		return nil
	}

	return &Coordinates{Latitude: lat, Longitude: long}
}

// rawCoordinate decodes a degrees/minutes/seconds rational triplet and
// applies the hemisphere reference ('S' and 'W' negate).
func rawCoordinate(parsed *exif.Exif, field exif.FieldName, refField exif.FieldName) (float64, bool) {
	tag, err := parsed.Get(field)
	if err != nil || tag.Count < 3 {
		return 0, false
	}

	parts := make([]float64, 3)
	for i := range parts {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return 0, false
		}
		parts[i] = float64(num) / float64(den)
	}

	ref := ""
	if refTag, err := parsed.Get(refField); err == nil {
		if raw, err := refTag.StringVal(); err == nil {
			ref = raw
		}
	}

	return dmsToDecimal(parts[0], parts[1], parts[2], ref), true
}

func dmsToDecimal(degrees float64, minutes float64, seconds float64, ref string) float64 {
	decimal := degrees + minutes/60 + seconds/3600
	if ref == "S" || ref == "W" {
		return -decimal
	}

	return decimal
}

func extractCamera(parsed *exif.Exif) CameraInfo {
	return CameraInfo{
		Make:     stringTag(parsed, exif.Make),
		Model:    stringTag(parsed, exif.Model),
		Software: stringTag(parsed, exif.Software),
		Lens:     stringTag(parsed, exif.LensModel),
	}
}

func extractSettings(parsed *exif.Exif) CaptureSettings {
	settings := CaptureSettings{
		ISO:          ValueNotFound,
		Aperture:     ValueNotFound,
		ShutterSpeed: ValueNotFound,
		FocalLength:  ValueNotFound,
		Flash:        ValueNotFound,
		WhiteBalance: ValueNotFound,
	}

	if iso, ok := intTag(parsed, exif.ISOSpeedRatings); ok {
		settings.ISO = fmt.Sprintf("%d", iso)
	}
	if fNumber, ok := ratTag(parsed, exif.FNumber); ok {
		settings.Aperture = fmt.Sprintf("f/%.1f", fNumber)
	}
	if shutter, ok := shutterSpeedTag(parsed); ok {
		settings.ShutterSpeed = shutter
	}
	if focal, ok := ratTag(parsed, exif.FocalLength); ok {
		settings.FocalLength = fmt.Sprintf("%.0fmm", focal)
	}
	if flash, ok := intTag(parsed, exif.Flash); ok {
		// Bit 0 of the Flash tag records whether the flash fired.
		if flash&0x1 == 0x1 {
			settings.Flash = "fired"
		} else {
			settings.Flash = "did not fire"
		}
	}
	if whiteBalance, ok := intTag(parsed, exif.WhiteBalance); ok {
		if whiteBalance == 0 {
			settings.WhiteBalance = "auto"
		} else {
			settings.WhiteBalance = "manual"
		}
	}

	return settings
}

func extractDimensions(parsed *exif.Exif) Dimensions {
	dimensions := Dimensions{Orientation: ValueNotFound, ColorSpace: ValueNotFound}

	if width, ok := intTag(parsed, exif.PixelXDimension); ok {
		dimensions.Width = width
	}
	if height, ok := intTag(parsed, exif.PixelYDimension); ok {
		dimensions.Height = height
	}
	if orientation, ok := intTag(parsed, exif.Orientation); ok {
		dimensions.Orientation = fmt.Sprintf("%d", orientation)
	}
	if colorSpace, ok := intTag(parsed, exif.ColorSpace); ok {
		if colorSpace == 1 {
			dimensions.ColorSpace = "sRGB"
		} else {
			dimensions.ColorSpace = "uncalibrated"
		}
	}

	return dimensions
}

// shutterSpeedTag renders the exposure time as the conventional
// reciprocal notation (1/250) for sub-second exposures.
func shutterSpeedTag(parsed *exif.Exif) (string, bool) {
	tag, err := parsed.Get(exif.ExposureTime)
	if err != nil {
		return "", false
	}

	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 || num == 0 {
		return "", false
	}

	if num < den {
		return fmt.Sprintf("1/%d", den/num), true
	}

	return fmt.Sprintf("%.1fs", float64(num)/float64(den)), true
}

func stringTag(parsed *exif.Exif, field exif.FieldName) string {
	tag, err := parsed.Get(field)
	if err != nil {
		return ValueNotFound
	}

	value, err := tag.StringVal()
	if err != nil || value == "" {
		return ValueNotFound
	}

	return value
}

func intTag(parsed *exif.Exif, field exif.FieldName) (int, bool) {
	tag, err := parsed.Get(field)
	if err != nil {
		return 0, false
	}

	value, err := tag.Int(0)
	if err != nil {
		return 0, false
	}

	return value, true
}

func ratTag(parsed *exif.Exif, field exif.FieldName) (float64, bool) {
	tag, err := parsed.Get(field)
	if err != nil {
		return 0, false
	}

	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0, false
	}

	return float64(num) / float64(den), true
}
