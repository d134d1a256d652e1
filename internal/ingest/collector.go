package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"weather-ingest/internal/logger"
	"weather-ingest/internal/metrics"
	"weather-ingest/internal/storage"
	"weather-ingest/internal/weatherapi"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"
)

const DefaultFreshnessWindow = time.Hour

type Kind string

const (
	KindCurrent  Kind = "current"
	KindForecast Kind = "forecast"
)

// Outcome is how one ingest sequence ended.
type Outcome string

const (
	OutcomeStored Outcome = "stored"
	OutcomeFresh  Outcome = "fresh"
	OutcomeFailed Outcome = "failed"
)

type WeatherClient interface {
	City() string
	Current(ctx context.Context) (*weatherapi.CurrentResponse, error)
	Forecast(ctx context.Context, days int) (*weatherapi.ForecastResponse, error)
}

type Store interface {
	FetchOrCreateLocation(ctx context.Context, loc storage.Location) (uint, bool, error)
	ObservationAge(ctx context.Context, locationID uint, now time.Time) (time.Duration, error)
	SaveCurrent(ctx context.Context, observations []storage.CurrentWeather) error
	UpsertForecast(ctx context.Context, days []storage.ForecastDay) error
}

type Publisher interface {
	PublishCurrent(city string, observation storage.CurrentWeather) error
	PublishForecast(city string, days []storage.ForecastDay) error
}

type Collector struct {
	client    WeatherClient
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	window    time.Duration
	days      int
	interval  time.Duration
	now       func() time.Time

	mu           sync.RWMutex
	isCollecting bool
	lastRun      time.Time
	lastOutcomes map[Kind]Outcome
	resolvedCity string
}

type CollectorConfig struct {
	Client          WeatherClient
	Store           Store
	Publisher       Publisher
	Metrics         *metrics.Metrics
	Logger          *logger.Logger
	FreshnessWindow time.Duration
	ForecastDays    int
	Interval        time.Duration
}

func NewCollector(cfg CollectorConfig) *Collector {
	window := cfg.FreshnessWindow
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	l := cfg.Logger
	if l == nil {
		l = logger.Nop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	return &Collector{
		client:       cfg.Client,
		store:        cfg.Store,
		publisher:    cfg.Publisher,
		metrics:      cfg.Metrics,
		log:          l,
		window:       window,
		days:         cfg.ForecastDays,
		interval:     interval,
		now:          time.Now,
		lastOutcomes: make(map[Kind]Outcome),
	}
}

// IsStale reports whether an observation this old may be replaced.
func IsStale(age, window time.Duration) bool {
	return age > window
}

// CollectCurrent fetches current conditions and stores them unless the
// location already has an observation inside the freshness window.
func (c *Collector) CollectCurrent(ctx context.Context) (Outcome, error) {
	resp, err := c.client.Current(ctx)
	if err != nil {
		return c.finish(KindCurrent, OutcomeFailed, fmt.Errorf("fetch current weather: %w", err))
	}

	locationID, err := c.resolveLocation(ctx, resp.Location)
	if err != nil {
		return c.finish(KindCurrent, OutcomeFailed, err)
	}

	age := c.observationAge(ctx, locationID)
	if !IsStale(age, c.window) {
		c.log.Info("too little time has passed since the last update", map[string]any{
			"location_id": locationID,
			"last_update": age.Round(time.Second).String(),
			"window":      c.window.String(),
		})
		return c.finish(KindCurrent, OutcomeFresh, nil)
	}

	observation := observationFromAPI(locationID, resp.Current)
	if err := c.store.SaveCurrent(ctx, []storage.CurrentWeather{observation}); err != nil {
		return c.finish(KindCurrent, OutcomeFailed, fmt.Errorf("save current weather: %w", err))
	}
	c.metrics.RowsWritten(string(KindCurrent), 1)

	c.log.Info("current weather saved", map[string]any{
		"location_id": locationID,
		"temp_c":      observation.TempC,
		"condition":   observation.ConditionText,
	})

	if c.publisher != nil {
		if err := c.publisher.PublishCurrent(resp.Location.Name, observation); err != nil {
			c.log.Warning("failed to publish current weather", map[string]any{"err": err.Error()})
		}
	}

	return c.finish(KindCurrent, OutcomeStored, nil)
}

// CollectForecast fetches the forecast and upserts every day on
// (location_id, date). It is not gated.
func (c *Collector) CollectForecast(ctx context.Context) (Outcome, error) {
	resp, err := c.client.Forecast(ctx, c.days)
	if err != nil {
		return c.finish(KindForecast, OutcomeFailed, fmt.Errorf("fetch forecast: %w", err))
	}

	locationID, err := c.resolveLocation(ctx, resp.Location)
	if err != nil {
		return c.finish(KindForecast, OutcomeFailed, err)
	}

	days, err := forecastFromAPI(locationID, resp.Forecast.ForecastDay)
	if err != nil {
		return c.finish(KindForecast, OutcomeFailed, err)
	}

	if err := c.store.UpsertForecast(ctx, days); err != nil {
		return c.finish(KindForecast, OutcomeFailed, fmt.Errorf("save forecast: %w", err))
	}
	c.metrics.RowsWritten(string(KindForecast), len(days))

	c.log.Info("forecast saved", map[string]any{
		"location_id": locationID,
		"days":        len(days),
	})

	if c.publisher != nil && len(days) > 0 {
		if err := c.publisher.PublishForecast(resp.Location.Name, days); err != nil {
			c.log.Warning("failed to publish forecast", map[string]any{"err": err.Error()})
		}
	}

	return c.finish(KindForecast, OutcomeStored, nil)
}

// RunOnce runs the current and forecast sequences one after the other.
// A failure in one does not stop the other; their errors are combined.
func (c *Collector) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	c.isCollecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.isCollecting = false
		c.lastRun = c.now()
		c.mu.Unlock()
	}()

	var result *multierror.Error
	if _, err := c.CollectCurrent(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.CollectForecast(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Start runs RunOnce immediately and then every interval until ctx is done.
// Runs never overlap.
func (c *Collector) Start(ctx context.Context) error {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	_, err := scheduler.Every(c.interval).Do(func() {
		// Errors were already logged per sequence.
		_ = c.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule ingest: %w", err)
	}

	c.log.Info("starting collector", map[string]any{
		"interval": c.interval.String(),
		"city":     c.client.City(),
	})
	scheduler.StartAsync()

	<-ctx.Done()
	scheduler.Stop()
	c.log.Info("collector stopped")
	return nil
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

// LastRun returns when RunOnce last finished and how each sequence ended.
func (c *Collector) LastRun() (time.Time, map[Kind]Outcome) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[Kind]Outcome, len(c.lastOutcomes))
	for k, v := range c.lastOutcomes {
		outcomes[k] = v
	}
	return c.lastRun, outcomes
}

// ResolvedCity is the city name the weather API last returned for the
// configured query, or "" before the first successful fetch.
func (c *Collector) ResolvedCity() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolvedCity
}

func (c *Collector) resolveLocation(ctx context.Context, loc weatherapi.Location) (uint, error) {
	id, created, err := c.store.FetchOrCreateLocation(ctx, storage.Location{
		City:      loc.Name,
		Country:   loc.Country,
		Latitude:  loc.Lat,
		Longitude: loc.Lon,
		Timezone:  loc.TzID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find or add location %s, %s: %w", loc.Name, loc.Country, err)
	}

	c.mu.Lock()
	c.resolvedCity = loc.Name
	c.mu.Unlock()

	fields := map[string]any{"city": loc.Name, "country": loc.Country, "location_id": id}
	if created {
		c.log.Info("location added to the database", fields)
	} else {
		c.log.Debug("location already exists in the database", fields)
	}
	return id, nil
}

// observationAge reports the default age when the query fails.
func (c *Collector) observationAge(ctx context.Context, locationID uint) time.Duration {
	age, err := c.store.ObservationAge(ctx, locationID, c.now())
	if err != nil {
		c.log.Error(fmt.Errorf("check last weather update: %w", err), map[string]any{"location_id": locationID})
		return storage.DefaultObservationAge
	}
	return age
}

func (c *Collector) finish(kind Kind, outcome Outcome, err error) (Outcome, error) {
	c.mu.Lock()
	c.lastOutcomes[kind] = outcome
	c.mu.Unlock()

	c.metrics.Run(string(kind), string(outcome))
	if err != nil {
		c.log.Error(err, map[string]any{"kind": string(kind)})
	}
	return outcome, err
}

func observationFromAPI(locationID uint, cur weatherapi.Current) storage.CurrentWeather {
	return storage.CurrentWeather{
		LocationID:    locationID,
		TempC:         cur.TempC,
		Humidity:      cur.Humidity,
		WindKph:       cur.WindKph,
		PressureMb:    cur.PressureMb,
		Cloud:         cur.Cloud,
		FeelslikeC:    cur.FeelslikeC,
		ConditionText: cur.Condition.Text,
	}
}

func forecastFromAPI(locationID uint, days []weatherapi.ForecastDay) ([]storage.ForecastDay, error) {
	rows := make([]storage.ForecastDay, 0, len(days))
	for _, d := range days {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			return nil, fmt.Errorf("parse forecast date %q: %w", d.Date, err)
		}

		rows = append(rows, storage.ForecastDay{
			LocationID:    locationID,
			Date:          date,
			MaxTempC:      d.Day.MaxTempC,
			MinTempC:      d.Day.MinTempC,
			AvgTempC:      d.Day.AvgTempC,
			MaxWindKph:    d.Day.MaxWindKph,
			TotalPrecipMm: d.Day.TotalPrecipMm,
			AvgHumidity:   int(math.Round(d.Day.AvgHumidity)),
			ConditionText: d.Day.Condition.Text,
			UV:            d.Day.UV,
			Sunrise:       d.Astro.Sunrise,
			Sunset:        d.Astro.Sunset,
		})
	}
	return rows, nil
}
