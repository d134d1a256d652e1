package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"weather-ingest/internal/ingest"
	"weather-ingest/internal/metrics"
	"weather-ingest/internal/storage"
	"weather-ingest/internal/weatherapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

func seededDatabase(t *testing.T) *storage.Database {
	t.Helper()
	ctx := context.Background()

	db, err := storage.NewDatabase(sqlite.Open(filepath.Join(t.TempDir(), "weather.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))

	id, _, err := db.FetchOrCreateLocation(ctx, storage.Location{City: "Warsaw", Country: "Poland", Timezone: "Europe/Warsaw"})
	require.NoError(t, err)

	base := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveCurrent(ctx, []storage.CurrentWeather{
		{LocationID: id, Timestamp: base.Add(-2 * time.Hour), TempC: 15.0, ConditionText: "Overcast"},
		{LocationID: id, Timestamp: base, TempC: 18.5, ConditionText: "Partly cloudy"},
	}))
	require.NoError(t, db.UpsertForecast(ctx, []storage.ForecastDay{
		{LocationID: id, Date: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), ConditionText: "Sunny"},
		{LocationID: id, Date: time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC), ConditionText: "Light rain"},
	}))

	return db
}

func newTestServer(t *testing.T, db Reader) *Server {
	t.Helper()

	s := NewServer(ServerConfig{
		Database:    db,
		Metrics:     metrics.New(),
		DefaultCity: "Warsaw",
		Collector:   ingest.NewCollector(ingest.CollectorConfig{}),
	})
	s.now = func() time.Time { return time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC) }
	return s
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["collecting"])
	assert.NotContains(t, body, "last_run")
}

func TestLocations(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/api/v1/locations")
	require.Equal(t, http.StatusOK, rec.Code)

	var locations []storage.Location
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locations))
	require.Len(t, locations, 1)
	assert.Equal(t, "Warsaw", locations[0].City)
}

func TestLatestObservation(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/api/v1/weather/current/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var obs storage.CurrentWeather
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &obs))
	assert.Equal(t, "Partly cloudy", obs.ConditionText)
}

func TestObservations_Limit(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/api/v1/weather/current?city=Warsaw&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []storage.CurrentWeather
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.InDelta(t, 18.5, rows[0].TempC, 0.01)

	rec = get(t, s, "/api/v1/weather/current?limit=nope")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)
}

func TestForecast(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/api/v1/weather/forecast")
	require.Equal(t, http.StatusOK, rec.Code)

	var days []storage.ForecastDay
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &days))
	require.Len(t, days, 2)
	assert.Equal(t, "Sunny", days[0].ConditionText)

	rec = get(t, s, "/api/v1/weather/forecast?from=2024-06-11")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &days))
	require.Len(t, days, 1)
	assert.Equal(t, "Light rain", days[0].ConditionText)

	rec = get(t, s, "/api/v1/weather/forecast?from=tomorrow")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownCity(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/api/v1/weather/current/latest?city=Atlantis")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Atlantis")
}

type failingReader struct{}

func (failingReader) GetLocations(ctx context.Context) ([]storage.Location, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) GetLocationByCity(ctx context.Context, city string) (*storage.Location, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) GetObservations(ctx context.Context, locationID uint, limit int) ([]storage.CurrentWeather, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) GetForecast(ctx context.Context, locationID uint, from time.Time) ([]storage.ForecastDay, error) {
	return nil, errors.New("connection refused")
}

func TestDatabaseErrors(t *testing.T) {
	s := newTestServer(t, failingReader{})

	for _, target := range []string{
		"/api/v1/locations",
		"/api/v1/weather/current",
		"/api/v1/weather/current/latest",
		"/api/v1/weather/forecast",
	} {
		rec := get(t, s, target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, target)
		assert.Contains(t, rec.Body.String(), "connection refused", target)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, seededDatabase(t))

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDefaultCityUsesNameReturnedByWeatherAPI(t *testing.T) {
	db := seededDatabase(t)

	weather := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"location": {"name": "Warsaw", "country": "Poland"}, "current": {"temp_c": 21.0}}`))
	}))
	defer weather.Close()

	coll := ingest.NewCollector(ingest.CollectorConfig{
		Client: weatherapi.NewClient(weatherapi.ClientConfig{BaseURL: weather.URL, APIKey: "k", City: "Warsaw,PL"}),
		Store:  db,
	})
	s := NewServer(ServerConfig{Database: db, Collector: coll, DefaultCity: "Warsaw,PL"})

	// Until the collector has resolved the query, only the configured value is known.
	rec := get(t, s, "/api/v1/weather/current/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := coll.CollectCurrent(context.Background())
	require.NoError(t, err)

	rec = get(t, s, "/api/v1/weather/current/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/api/v1/weather/forecast?from=2024-06-01")
	require.Equal(t, http.StatusOK, rec.Code)
	var days []storage.ForecastDay
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &days))
	assert.Len(t, days, 2)
}

type brokerStatus bool

func (b brokerStatus) IsConnected() bool { return bool(b) }

func TestHealth_ReportsMQTT(t *testing.T) {
	s := NewServer(ServerConfig{Database: seededDatabase(t), MQTT: brokerStatus(true)})

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["mqtt_connected"])
	assert.NotContains(t, body, "collecting")
}
