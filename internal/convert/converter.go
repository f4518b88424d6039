package convert

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/lumen-gallery/lumen/pkg/logger"
)

var log = logger.Get("Converter")

const (
	convertEndpointTemplate = "%s/convert"
	healthEndpointTemplate  = "%s/health"

	// DefaultConvertedBy is recorded against stored variants when the
	// conversion service does not announce its own identity.
	DefaultConvertedBy = "lumen-image-converter"
)

type (
	Config struct {
		URL                  string `yaml:"url" env:"CONVERTER_URL" env-required:"true"`
		TimeoutSeconds       int    `yaml:"timeout_seconds" env:"CONVERTER_TIMEOUT_SECONDS" env-default:"60"`
		HealthTimeoutSeconds int    `yaml:"health_timeout_seconds" env:"CONVERTER_HEALTH_TIMEOUT_SECONDS" env-default:"2"`
	}

	// ConvertedFile is the decoded output of a successful conversion.
	ConvertedFile struct {
		Data        []byte
		Size        int64
		MimeType    string
		ConvertedBy string
	}

	// converter performs one RPC per source image against the external
	// conversion service. It deliberately has NO fallback behaviour: a
	// failed, timed-out or malformed conversion yields a typed error and
	// the caller must not upload the original in its place.
	converter struct {
		config Config
		client *http.Client
	}

	conversionEnvelope struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Data    struct {
			Converter string `json:"converter"`
			FullSize  struct {
				Content  string `json:"content"`
				Size     int64  `json:"size"`
				MimeType string `json:"mimetype"`
			} `json:"fullSize"`
		} `json:"data"`
	}

	healthEnvelope struct {
		Status string `json:"status"`
	}
)

func New(config Config) *converter {
	return &converter{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
	}
}

// Convert submits the provided image bytes to the conversion service as a
// multipart body and decodes the base64 payload from the success envelope.
// Any RPC failure, timeout or non-success envelope is surfaced as a typed
// error; no partial output is ever returned.
func (conv *converter) Convert(ctx context.Context, buffer []byte, originalName string, mimeType string) (*ConvertedFile, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", originalName)
	if err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to compose multipart body: %s", err.Error())}
	}
	if _, err := part.Write(buffer); err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to compose multipart body: %s", err.Error())}
	}
	if err := writer.WriteField("mimeType", mimeType); err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to compose multipart body: %s", err.Error())}
	}
	if err := writer.Close(); err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to compose multipart body: %s", err.Error())}
	}

	path := fmt.Sprintf(convertEndpointTemplate, conv.config.URL)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to construct request: %s", err.Error())}
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := conv.client.Do(request)
	if err != nil {
		return nil, &UnavailableError{reason: err.Error()}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("failed to read response body: %s", err.Error())}
	}

	if response.StatusCode != http.StatusOK {
		var envelope conversionEnvelope
		if err := json.Unmarshal(responseBody, &envelope); err != nil || envelope.Error == "" {
			return nil, &FailedRequestError{httpCode: response.StatusCode, message: "non-OK response could not be unmarshalled"}
		}

		return nil, &FailedRequestError{httpCode: response.StatusCode, message: envelope.Error}
	}

	var envelope conversionEnvelope
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return nil, &UnknownRequestError{fmt.Sprintf("response JSON could not be unmarshalled: %s", err.Error())}
	}

	if !envelope.Success {
		return nil, &FailedRequestError{httpCode: response.StatusCode, message: envelope.Error}
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Data.FullSize.Content)
	if err != nil {
		return nil, &MalformedEnvelopeError{reason: fmt.Sprintf("payload is not valid base64: %s", err.Error())}
	}
	if len(decoded) == 0 {
		return nil, &MalformedEnvelopeError{reason: "success envelope carried an empty payload"}
	}

	convertedBy := envelope.Data.Converter
	if convertedBy == "" {
		convertedBy = DefaultConvertedBy
	}

	outputMime := envelope.Data.FullSize.MimeType
	if outputMime == "" {
		outputMime = "image/avif"
	}

	log.Emit(logger.DEBUG, "Converted %s (%d bytes in, %d bytes out)\n", originalName, len(buffer), len(decoded))
	return &ConvertedFile{
		Data:        decoded,
		Size:        int64(len(decoded)),
		MimeType:    outputMime,
		ConvertedBy: convertedBy,
	}, nil
}

// IsAvailable performs a cheap health probe against the conversion
// service. Callers can consult this before attempting a conversion to
// fail early rather than paying the full conversion timeout.
func (conv *converter) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(conv.config.HealthTimeoutSeconds)*time.Second)
	defer cancel()

	path := fmt.Sprintf(healthEndpointTemplate, conv.config.URL)
	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, path, nil)
	if err != nil {
		return false
	}

	response, err := conv.client.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return false
	}

	var health healthEnvelope
	if err := json.NewDecoder(response.Body).Decode(&health); err != nil {
		return false
	}

	return health.Status == "ok" || health.Status == "healthy"
}

type (
	// UnavailableError indicates the conversion service could not be
	// reached at all (connection refused, DNS failure, timeout).
	UnavailableError struct{ reason string }

	// FailedRequestError indicates the service responded, but with a
	// non-success status or envelope.
	FailedRequestError struct {
		httpCode int
		message  string
	}

	// MalformedEnvelopeError indicates a success envelope whose payload
	// could not be decoded.
	MalformedEnvelopeError struct{ reason string }

	UnknownRequestError struct{ reason string }
)

func (err *UnavailableError) Error() string {
	return fmt.Sprintf("conversion service unavailable: %s", err.reason)
}
func (err *FailedRequestError) Error() string {
	return fmt.Sprintf("conversion request failure (HTTP %d): %s", err.httpCode, err.message)
}
func (err *MalformedEnvelopeError) Error() string {
	return fmt.Sprintf("conversion envelope malformed: %s", err.reason)
}
func (err *UnknownRequestError) Error() string {
	return fmt.Sprintf("unknown error occurred while communicating with conversion service: %s", err.reason)
}

// IsConversionError reports whether the provided error originated from
// the conversion adapter, so callers can distinguish adapter failures
// from other errors without string matching.
func IsConversionError(err error) bool {
	var unavailable *UnavailableError
	var failed *FailedRequestError
	var malformed *MalformedEnvelopeError
	var unknown *UnknownRequestError

	return errors.As(err, &unavailable) || errors.As(err, &failed) || errors.As(err, &malformed) || errors.As(err, &unknown)
}
