package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"weather-ingest/config"
	"weather-ingest/internal/api"
	"weather-ingest/internal/ingest"
	"weather-ingest/internal/logger"
	"weather-ingest/internal/metrics"
	"weather-ingest/internal/mqtt"
	"weather-ingest/internal/storage"
	"weather-ingest/internal/weatherapi"

	"github.com/spf13/cobra"
)

const appName = "weather-ingest"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Weather ingestion service",
		Long:          "Fetches current conditions and forecasts from weatherapi.com and stores them in a relational database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger for it.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	l, err := logger.New(appName, level, cfg.Log.Format, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

func newWeatherClient(cfg *config.Config) *weatherapi.Client {
	return weatherapi.NewClient(weatherapi.ClientConfig{
		BaseURL:      cfg.Weather.BaseURL,
		APIKey:       cfg.Weather.APIKey,
		City:         cfg.Weather.City,
		ForecastDays: cfg.Weather.ForecastDays,
		Timeout:      cfg.Weather.Timeout,
	})
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the database tables",
		Long:  "Create locations, weather_current and weather_forecast when they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig()
			if err != nil {
				return err
			}
			defer l.Stop()

			if err := cfg.Database.Validate(); err != nil {
				return err
			}

			db, err := storage.Open(cfg.Database, l)
			if err != nil {
				l.Error(err)
				return err
			}
			defer db.Close()

			if err := db.EnsureSchema(cmd.Context()); err != nil {
				l.Error(err)
				return err
			}

			l.Info("database setup complete", map[string]any{"driver": cfg.Database.Driver})
			return nil
		},
	}
}

// ingestCommand wires a collector for one-shot commands. Failures are logged
// and the process still exits 0, so a cron schedule keeps going.
func ingestCommand(use, short string, run func(ctx context.Context, c *ingest.Collector) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig()
			if err != nil {
				return err
			}
			defer l.Stop()

			if err := cfg.Validate(); err != nil {
				return err
			}

			db, err := storage.Open(cfg.Database, l)
			if err != nil {
				l.Error(err)
				return nil
			}
			defer db.Close()

			coll := ingest.NewCollector(ingest.CollectorConfig{
				Client:          newWeatherClient(cfg),
				Store:           db,
				Logger:          l,
				FreshnessWindow: cfg.Ingest.FreshnessWindow,
				ForecastDays:    cfg.Weather.ForecastDays,
			})

			// Each sequence already logged its own failure.
			_ = run(cmd.Context(), coll)
			return nil
		},
	}
}

func currentCmd() *cobra.Command {
	return ingestCommand("current", "Fetch and store current weather", func(ctx context.Context, c *ingest.Collector) error {
		_, err := c.CollectCurrent(ctx)
		return err
	})
}

func forecastCmd() *cobra.Command {
	return ingestCommand("forecast", "Fetch and upsert the forecast", func(ctx context.Context, c *ingest.Collector) error {
		_, err := c.CollectForecast(ctx)
		return err
	})
}

func runCmd() *cobra.Command {
	return ingestCommand("run", "Fetch current weather and the forecast once", func(ctx context.Context, c *ingest.Collector) error {
		return c.RunOnce(ctx)
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion service",
		Long:  "Run ingestion on a schedule, with the optional API server and MQTT publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig()
			if err != nil {
				return err
			}
			defer l.Stop()

			if err := cfg.Validate(); err != nil {
				return err
			}

			db, err := storage.Open(cfg.Database, l)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.EnsureSchema(cmd.Context()); err != nil {
				return err
			}

			m := metrics.New()

			collectorCfg := ingest.CollectorConfig{
				Client:          newWeatherClient(cfg),
				Store:           db,
				Metrics:         m,
				Logger:          l,
				FreshnessWindow: cfg.Ingest.FreshnessWindow,
				ForecastDays:    cfg.Weather.ForecastDays,
				Interval:        cfg.Ingest.Interval,
			}

			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
			}, l)
			if err != nil {
				l.Warning("MQTT connection failed", map[string]any{"err": err.Error()})
			} else if cfg.MQTT.Enabled {
				defer publisher.Close()
				collectorCfg.Publisher = publisher
			}

			coll := ingest.NewCollector(collectorCfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var server *api.Server
			if cfg.API.Enabled {
				serverCfg := api.ServerConfig{
					Port:        cfg.API.Port,
					Collector:   coll,
					Database:    db,
					Metrics:     m,
					DefaultCity: cfg.Weather.City,
					Logger:      l,
				}
				if collectorCfg.Publisher != nil {
					serverCfg.MQTT = publisher
				}
				server = api.NewServer(serverCfg)

				go func() {
					if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						l.Error(fmt.Errorf("API server: %w", err))
					}
				}()
			}

			l.Info("weather ingest started, press Ctrl+C to stop")

			if err := coll.Start(ctx); err != nil {
				return err
			}

			l.Info("shutting down")
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Stop(shutdownCtx); err != nil {
					l.Error(fmt.Errorf("API server shutdown: %w", err))
				}
			}
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the weather API and database connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig()
			if err != nil {
				return err
			}
			defer l.Stop()

			if err := cfg.Validate(); err != nil {
				return err
			}

			fmt.Printf("Testing weather API at %s for %s...\n", cfg.Weather.BaseURL, cfg.Weather.City)
			if err := newWeatherClient(cfg).Ping(cmd.Context()); err != nil {
				fmt.Printf("Weather API FAILED: %v\n", err)
				return err
			}
			fmt.Println("Weather API SUCCESS!")

			fmt.Printf("Testing %s database...\n", cfg.Database.Driver)
			db, err := storage.Open(cfg.Database, l)
			if err != nil {
				fmt.Printf("Database FAILED: %v\n", err)
				return err
			}
			defer db.Close()

			locations, err := db.GetLocations(cmd.Context())
			if err != nil {
				fmt.Printf("Database reachable, but locations could not be read: %v\n", err)
				fmt.Println("Run 'weather-ingest setup' to create the tables.")
				return nil
			}
			fmt.Println("Database SUCCESS!")

			fmt.Printf("\nTracked locations: %d\n", len(locations))
			for _, loc := range locations {
				fmt.Printf("  %s, %s (%s)\n", loc.City, loc.Country, loc.Timezone)
			}
			return nil
		},
	}
}
