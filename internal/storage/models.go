package storage

import (
	"time"
)

type Location struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	City      string  `gorm:"column:city;type:varchar(100);uniqueIndex" json:"city"`
	Country   string  `gorm:"column:country;type:varchar(50)" json:"country"`
	Latitude  float64 `gorm:"column:latitude;type:decimal(9,6)" json:"latitude"`
	Longitude float64 `gorm:"column:longitude;type:decimal(9,6)" json:"longitude"`
	Timezone  string  `gorm:"column:timezone;type:varchar(50)" json:"timezone"`
}

func (Location) TableName() string { return "locations" }

// CurrentWeather is one row of the append-only observation log.
type CurrentWeather struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	LocationID uint      `gorm:"column:location_id;index:idx_weather_current_location_ts,priority:1" json:"location_id"`
	Location   *Location `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Timestamp  time.Time `gorm:"column:timestamp;default:CURRENT_TIMESTAMP;index:idx_weather_current_location_ts,priority:2" json:"timestamp"`

	TempC         float64 `gorm:"column:temp_c;type:decimal(4,1)" json:"temp_c"`
	Humidity      int     `gorm:"column:humidity" json:"humidity"`
	WindKph       float64 `gorm:"column:wind_kph;type:decimal(4,1)" json:"wind_kph"`
	PressureMb    float64 `gorm:"column:pressure_mb;type:decimal(6,2)" json:"pressure_mb"`
	Cloud         int     `gorm:"column:cloud" json:"cloud"`
	FeelslikeC    float64 `gorm:"column:feelslike_c;type:decimal(4,1)" json:"feelslike_c"`
	ConditionText string  `gorm:"column:condition_text;type:varchar(100)" json:"condition_text"`
}

func (CurrentWeather) TableName() string { return "weather_current" }

// ForecastDay is identified by (LocationID, Date); later fetches overwrite
// every other column.
type ForecastDay struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	LocationID uint      `gorm:"column:location_id;uniqueIndex:idx_weather_forecast_location_date,priority:1" json:"location_id"`
	Location   *Location `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Date       time.Time `gorm:"column:date;type:date;uniqueIndex:idx_weather_forecast_location_date,priority:2" json:"date"`

	MaxTempC      float64 `gorm:"column:max_temp_c;type:decimal(4,1)" json:"max_temp_c"`
	MinTempC      float64 `gorm:"column:min_temp_c;type:decimal(4,1)" json:"min_temp_c"`
	AvgTempC      float64 `gorm:"column:avg_temp_c;type:decimal(4,1)" json:"avg_temp_c"`
	MaxWindKph    float64 `gorm:"column:max_wind_kph;type:decimal(5,1)" json:"max_wind_kph"`
	TotalPrecipMm float64 `gorm:"column:total_precip_mm;type:decimal(6,2)" json:"total_precip_mm"`
	AvgHumidity   int     `gorm:"column:avg_humidity" json:"avg_humidity"`
	ConditionText string  `gorm:"column:condition_text;type:varchar(100)" json:"condition_text"`
	UV            float64 `gorm:"column:uv;type:decimal(4,1)" json:"uv"`
	Sunrise       string  `gorm:"column:sunrise;type:varchar(20)" json:"sunrise"`
	Sunset        string  `gorm:"column:sunset;type:varchar(20)" json:"sunset"`
}

func (ForecastDay) TableName() string { return "weather_forecast" }

// forecastUpdateColumns are overwritten when a (location_id, date) row exists.
var forecastUpdateColumns = []string{
	"max_temp_c",
	"min_temp_c",
	"avg_temp_c",
	"max_wind_kph",
	"total_precip_mm",
	"avg_humidity",
	"condition_text",
	"uv",
	"sunrise",
	"sunset",
}
