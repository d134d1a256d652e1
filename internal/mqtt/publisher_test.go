package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"weather-ingest/internal/logger"
	"weather-ingest/internal/storage"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  interface{}
}

type fakeClient struct {
	mqtt.Client
	messages []message
	failOn   string
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload})
	if topic == c.failOn {
		return &fakeToken{err: errors.New("not connected")}
	}
	return &fakeToken{}
}

func (c *fakeClient) byTopic(topic string) (message, bool) {
	for _, m := range c.messages {
		if m.topic == topic {
			return m, true
		}
	}
	return message{}, false
}

func newFakePublisher() (*Publisher, *fakeClient) {
	client := &fakeClient{}
	return &Publisher{client: client, topicPrefix: "weather", enabled: true, log: logger.Nop()}, client
}

func TestPublisher_Disabled(t *testing.T) {
	p, err := NewPublisher(PublisherConfig{Enabled: false}, nil)
	require.NoError(t, err)

	assert.NoError(t, p.PublishCurrent("Warsaw", storage.CurrentWeather{}))
	assert.NoError(t, p.PublishForecast("Warsaw", []storage.ForecastDay{{}}))
	assert.NoError(t, p.PublishHomeAssistantDiscovery("Warsaw"))
	assert.False(t, p.IsConnected())
	p.Close()
}

func TestPublisher_PublishCurrent(t *testing.T) {
	p, client := newFakePublisher()

	obs := storage.CurrentWeather{LocationID: 1, TempC: 18.5, Humidity: 72, ConditionText: "Partly cloudy"}
	require.NoError(t, p.PublishCurrent("New York", obs))

	temp, ok := client.byTopic("weather/new_york/current/temp_c")
	require.True(t, ok)
	assert.Equal(t, "18.5", temp.payload)
	assert.False(t, temp.retained)

	full, ok := client.byTopic("weather/new_york/current")
	require.True(t, ok)
	assert.True(t, full.retained)

	var decoded storage.CurrentWeather
	require.NoError(t, json.Unmarshal(full.payload.([]byte), &decoded))
	assert.Equal(t, "Partly cloudy", decoded.ConditionText)
}

func TestPublisher_PublishCurrentFieldFailureIsNotFatal(t *testing.T) {
	p, client := newFakePublisher()
	client.failOn = "weather/warsaw/current/humidity"

	assert.NoError(t, p.PublishCurrent("Warsaw", storage.CurrentWeather{}))
}

func TestPublisher_PublishForecast(t *testing.T) {
	p, client := newFakePublisher()

	days := []storage.ForecastDay{
		{LocationID: 1, ConditionText: "Sunny"},
		{LocationID: 1, ConditionText: "Light rain"},
	}
	require.NoError(t, p.PublishForecast("Warsaw", days))

	msg, ok := client.byTopic("weather/warsaw/forecast")
	require.True(t, ok)
	assert.True(t, msg.retained)

	var decoded []storage.ForecastDay
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "Light rain", decoded[1].ConditionText)
}

func TestPublisher_PublishForecastError(t *testing.T) {
	p, client := newFakePublisher()
	client.failOn = "weather/warsaw/forecast"

	err := p.PublishForecast("Warsaw", []storage.ForecastDay{{}})
	assert.ErrorContains(t, err, "weather/warsaw/forecast")
}

func TestPublisher_HomeAssistantDiscovery(t *testing.T) {
	p, client := newFakePublisher()

	require.NoError(t, p.PublishHomeAssistantDiscovery("Warsaw"))

	msg, ok := client.byTopic("homeassistant/sensor/weather_warsaw/temp_c/config")
	require.True(t, ok)

	var config map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &config))
	assert.Equal(t, "weather/warsaw/current/temp_c", config["state_topic"])
	assert.Equal(t, "temperature", config["device_class"])
}

func TestPublisher_PublishCurrentAnnouncesOncePerCity(t *testing.T) {
	p, client := newFakePublisher()

	require.NoError(t, p.PublishCurrent("Warsaw", storage.CurrentWeather{TempC: 18.5}))
	require.NoError(t, p.PublishCurrent("Warsaw", storage.CurrentWeather{TempC: 19.0}))

	count := 0
	for _, m := range client.messages {
		if m.topic == "homeassistant/sensor/weather_warsaw/temp_c/config" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	msg, ok := client.byTopic("homeassistant/sensor/weather_warsaw/temp_c/config")
	require.True(t, ok)
	var config map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &config))

	// The announced state topic is the one readings are published on.
	_, ok = client.byTopic(config["state_topic"].(string))
	assert.True(t, ok)
}
