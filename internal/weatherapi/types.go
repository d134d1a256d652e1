package weatherapi

// Location is the "location" block both endpoints return.
type Location struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	TzID    string  `json:"tz_id"`
}

type Condition struct {
	Text string `json:"text"`
}

type Current struct {
	TempC      float64   `json:"temp_c"`
	Humidity   int       `json:"humidity"`
	WindKph    float64   `json:"wind_kph"`
	PressureMb float64   `json:"pressure_mb"`
	Cloud      int       `json:"cloud"`
	FeelslikeC float64   `json:"feelslike_c"`
	Condition  Condition `json:"condition"`
}

type CurrentResponse struct {
	Location Location `json:"location"`
	Current  Current  `json:"current"`
}

type Day struct {
	MaxTempC      float64   `json:"maxtemp_c"`
	MinTempC      float64   `json:"mintemp_c"`
	AvgTempC      float64   `json:"avgtemp_c"`
	MaxWindKph    float64   `json:"maxwind_kph"`
	TotalPrecipMm float64   `json:"totalprecip_mm"`
	AvgHumidity   float64   `json:"avghumidity"`
	Condition     Condition `json:"condition"`
	UV            float64   `json:"uv"`
}

type Astro struct {
	Sunrise string `json:"sunrise"`
	Sunset  string `json:"sunset"`
}

type ForecastDay struct {
	Date  string `json:"date"`
	Day   Day    `json:"day"`
	Astro Astro  `json:"astro"`
}

type ForecastResponse struct {
	Location Location `json:"location"`
	Current  Current  `json:"current"`
	Forecast struct {
		ForecastDay []ForecastDay `json:"forecastday"`
	} `json:"forecast"`
}

// errorResponse is the body weatherapi.com sends with 4xx statuses.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
