package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"weather-ingest/internal/logger"
	"weather-ingest/internal/storage"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	enabled     bool
	log         *logger.Logger

	mu        sync.Mutex
	announced map[string]bool
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

func NewPublisher(cfg PublisherConfig, l *logger.Logger) (*Publisher, error) {
	if l == nil {
		l = logger.Nop()
	}
	if !cfg.Enabled {
		return &Publisher{enabled: false, log: l}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			l.Warning("MQTT connection lost", map[string]any{"err": err.Error()})
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			l.Info("MQTT connected", map[string]any{"broker": cfg.Broker})
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		enabled:     true,
		log:         l,
		announced:   make(map[string]bool),
	}, nil
}

// PublishCurrent sends each reading to <prefix>/<city>/current/<field> and
// the full observation, retained, to <prefix>/<city>/current. The first
// observation for a city also announces its Home Assistant sensors.
func (p *Publisher) PublishCurrent(city string, obs storage.CurrentWeather) error {
	if !p.enabled {
		return nil
	}

	if p.markAnnounced(city) {
		if err := p.PublishHomeAssistantDiscovery(city); err != nil {
			p.log.Warning("Home Assistant discovery failed", map[string]any{"city": city, "err": err.Error()})
		}
	}

	base := p.topic(city, "current")
	fields := map[string]interface{}{
		"temp_c":      obs.TempC,
		"humidity":    obs.Humidity,
		"wind_kph":    obs.WindKph,
		"pressure_mb": obs.PressureMb,
		"cloud":       obs.Cloud,
		"feelslike_c": obs.FeelslikeC,
		"condition":   obs.ConditionText,
	}

	for name, value := range fields {
		topic := base + "/" + name
		token := p.client.Publish(topic, 0, false, fmt.Sprintf("%v", value))
		token.Wait()
		if token.Error() != nil {
			p.log.Warning("failed to publish", map[string]any{"topic": topic, "err": token.Error().Error()})
		}
	}

	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}
	return p.publishRetained(base, payload)
}

// PublishForecast sends the forecast days, retained, as one JSON array.
func (p *Publisher) PublishForecast(city string, days []storage.ForecastDay) error {
	if !p.enabled {
		return nil
	}

	payload, err := json.Marshal(days)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast: %w", err)
	}
	return p.publishRetained(p.topic(city, "forecast"), payload)
}

// PublishHomeAssistantDiscovery announces the current-weather readings of
// city as Home Assistant sensors.
func (p *Publisher) PublishHomeAssistantDiscovery(city string) error {
	if !p.enabled {
		return nil
	}

	sensors := []struct {
		Name        string
		ID          string
		Unit        string
		DeviceClass string
	}{
		{"Temperature", "temp_c", "°C", "temperature"},
		{"Feels Like", "feelslike_c", "°C", "temperature"},
		{"Humidity", "humidity", "%", "humidity"},
		{"Pressure", "pressure_mb", "hPa", "pressure"},
		{"Wind Speed", "wind_kph", "km/h", "wind_speed"},
		{"Cloud Cover", "cloud", "%", ""},
		{"Condition", "condition", "", ""},
	}

	slug := citySlug(city)
	for _, sensor := range sensors {
		discoveryTopic := fmt.Sprintf("homeassistant/sensor/weather_%s/%s/config", slug, sensor.ID)

		config := map[string]interface{}{
			"name":        fmt.Sprintf("%s %s", city, sensor.Name),
			"unique_id":   fmt.Sprintf("weather_%s_%s", slug, sensor.ID),
			"state_topic": p.topic(city, "current") + "/" + sensor.ID,
			"device": map[string]interface{}{
				"identifiers":  []string{"weather_" + slug},
				"name":         fmt.Sprintf("Weather %s", city),
				"manufacturer": "weatherapi.com",
			},
		}
		if sensor.Unit != "" {
			config["unit_of_measurement"] = sensor.Unit
		}
		if sensor.DeviceClass != "" {
			config["device_class"] = sensor.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery config: %w", err)
		}
		if err := p.publishRetained(discoveryTopic, payload); err != nil {
			return err
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}

// markAnnounced reports whether city was seen for the first time.
func (p *Publisher) markAnnounced(city string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.announced == nil {
		p.announced = make(map[string]bool)
	}
	slug := citySlug(city)
	if p.announced[slug] {
		return false
	}
	p.announced[slug] = true
	return true
}

func (p *Publisher) publishRetained(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, true, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) topic(city, kind string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, citySlug(city), kind)
}

func citySlug(city string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(city)), " ", "_")
}
