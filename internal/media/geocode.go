package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lumen-gallery/lumen/pkg/logger"
)

var geocodeLog = logger.Get("Geocoder")

const reverseEndpointTemplate = "%s/reverse?format=jsonv2&lat=%.6f&lon=%.6f"

// coordinateKeyPrecision controls the rounding applied to coordinates
// before they are used as a cache key. Three decimal places is roughly
// a 110m grid, which bounds cache cardinality while still grouping
// photos taken at the same spot.
const coordinateKeyPrecision = "%.3f,%.3f"

type (
	GeocodeConfig struct {
		Enabled        bool   `yaml:"enabled" env:"GEOCODE_ENABLED" env-default:"true"`
		URL            string `yaml:"url" env:"GEOCODE_URL" env-default:"https://nominatim.openstreetmap.org"`
		TimeoutSeconds int    `yaml:"timeout_seconds" env:"GEOCODE_TIMEOUT_SECONDS" env-default:"3"`
	}

	reverseGeocodeResponse struct {
		DisplayName string `json:"display_name"`
	}

	cacheEntry struct {
		address string
		ok      bool
	}

	// Geocoder resolves GPS coordinates to a human-readable address via
	// an external lookup service. Results - including failures, to avoid
	// repeated lookups for known-bad coordinates - are cached in-process,
	// keyed by rounded coordinates.
	Geocoder struct {
		config GeocodeConfig
		client *http.Client

		mutex sync.Mutex
		cache map[string]cacheEntry
	}
)

func NewGeocoder(config GeocodeConfig) *Geocoder {
	return &Geocoder{
		config: config,
		client: &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second},
		cache:  make(map[string]cacheEntry),
	}
}

// ReverseLookup resolves the provided coordinates to an address. The
// second return value is false when no address could be resolved. A
// cache miss costs one bounded-timeout HTTP call; hits cost nothing.
func (geocoder *Geocoder) ReverseLookup(ctx context.Context, latitude float64, longitude float64) (string, bool) {
	if !geocoder.config.Enabled {
		return "", false
	}

	key := fmt.Sprintf(coordinateKeyPrecision, latitude, longitude)

	geocoder.mutex.Lock()
	if entry, ok := geocoder.cache[key]; ok {
		geocoder.mutex.Unlock()
		return entry.address, entry.ok
	}
	geocoder.mutex.Unlock()

	address, ok := geocoder.lookup(ctx, latitude, longitude)

	geocoder.mutex.Lock()
	geocoder.cache[key] = cacheEntry{address: address, ok: ok}
	geocoder.mutex.Unlock()

	return address, ok
}

func (geocoder *Geocoder) lookup(ctx context.Context, latitude float64, longitude float64) (string, bool) {
	path := fmt.Sprintf(reverseEndpointTemplate, geocoder.config.URL, latitude, longitude)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", false
	}

	response, err := geocoder.client.Do(request)
	if err != nil {
		geocodeLog.Emit(logger.WARNING, "Reverse lookup for (%f, %f) failed: %s\n", latitude, longitude, err.Error())
		return "", false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		geocodeLog.Emit(logger.WARNING, "Reverse lookup for (%f, %f) failed with HTTP %d\n", latitude, longitude, response.StatusCode)
		return "", false
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", false
	}

	var decoded reverseGeocodeResponse
	if err := json.Unmarshal(body, &decoded); err != nil || decoded.DisplayName == "" {
		return "", false
	}

	return decoded.DisplayName, true
}
