package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"weather-ingest/internal/ingest"
	"weather-ingest/internal/logger"
	"weather-ingest/internal/metrics"
	"weather-ingest/internal/storage"

	"github.com/gin-gonic/gin"
)

const (
	defaultReadingsLimit = 100
	maxReadingsLimit     = 1000
)

// Reader is the read side of the weather store.
type Reader interface {
	GetLocations(ctx context.Context) ([]storage.Location, error)
	GetLocationByCity(ctx context.Context, city string) (*storage.Location, error)
	GetObservations(ctx context.Context, locationID uint, limit int) ([]storage.CurrentWeather, error)
	GetForecast(ctx context.Context, locationID uint, from time.Time) ([]storage.ForecastDay, error)
}

// ConnectionChecker reports broker connectivity for /health.
type ConnectionChecker interface {
	IsConnected() bool
}

type Server struct {
	router      *gin.Engine
	server      *http.Server
	collector   *ingest.Collector
	db          Reader
	mqtt        ConnectionChecker
	port        int
	defaultCity string
	log         *logger.Logger
	now         func() time.Time
}

type ServerConfig struct {
	Port        int
	Collector   *ingest.Collector
	Database    Reader
	Metrics     *metrics.Metrics
	MQTT        ConnectionChecker
	DefaultCity string
	Logger      *logger.Logger
}

func NewServer(cfg ServerConfig) *Server {
	l := cfg.Logger
	if l == nil {
		l = logger.Nop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(l))

	s := &Server{
		router:      router,
		collector:   cfg.Collector,
		db:          cfg.Database,
		mqtt:        cfg.MQTT,
		port:        cfg.Port,
		defaultCity: cfg.DefaultCity,
		log:         l,
		now:         time.Now,
	}

	s.setupRoutes(cfg.Metrics)
	return s
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	s.router.GET("/health", s.healthHandler)
	if m != nil {
		s.router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/locations", s.locationsHandler)
		api.GET("/weather/current", s.observationsHandler)
		api.GET("/weather/current/latest", s.latestObservationHandler)
		api.GET("/weather/forecast", s.forecastHandler)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	s.log.Info("API server starting", map[string]any{"port": s.port})
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
	}

	if s.collector != nil {
		lastRun, outcomes := s.collector.LastRun()
		body["collecting"] = s.collector.IsCollecting()
		body["outcomes"] = outcomes
		if !lastRun.IsZero() {
			body["last_run"] = lastRun.UTC()
		}
	}
	if s.mqtt != nil {
		body["mqtt_connected"] = s.mqtt.IsConnected()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) locationsHandler(c *gin.Context) {
	locations, err := s.db.GetLocations(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, locations)
}

func (s *Server) observationsHandler(c *gin.Context) {
	loc, ok := s.location(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultReadingsLimit)))
	if err != nil || limit <= 0 || limit > maxReadingsLimit {
		limit = defaultReadingsLimit
	}

	observations, err := s.db.GetObservations(c.Request.Context(), loc.ID, limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, observations)
}

func (s *Server) latestObservationHandler(c *gin.Context) {
	loc, ok := s.location(c)
	if !ok {
		return
	}

	observations, err := s.db.GetObservations(c.Request.Context(), loc.ID, 1)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if len(observations) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No observations for " + loc.City})
		return
	}
	c.JSON(http.StatusOK, observations[0])
}

func (s *Server) forecastHandler(c *gin.Context) {
	loc, ok := s.location(c)
	if !ok {
		return
	}

	from := s.now()
	if fromStr := c.Query("from"); fromStr != "" {
		parsed, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		from = parsed
	}

	days, err := s.db.GetForecast(c.Request.Context(), loc.ID, from)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, days)
}

// location resolves the ?city= query. Without one it uses the name the
// weather API returned to the collector, then the configured city.
// It writes the error response itself when ok is false.
func (s *Server) location(c *gin.Context) (*storage.Location, bool) {
	city := c.Query("city")
	if city == "" {
		city = s.fallbackCity()
	}
	if city == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "city is required"})
		return nil, false
	}

	loc, err := s.db.GetLocationByCity(c.Request.Context(), city)
	if err != nil {
		s.internalError(c, err)
		return nil, false
	}
	if loc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown city " + city})
		return nil, false
	}
	return loc, true
}

func (s *Server) fallbackCity() string {
	if s.collector != nil {
		if city := s.collector.ResolvedCity(); city != "" {
			return city
		}
	}
	return s.defaultCity
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Error(err, map[string]any{"path": c.FullPath()})
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func requestLogger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l.Debug("request", map[string]any{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
