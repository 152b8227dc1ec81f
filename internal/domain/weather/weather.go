// Package weather reports current conditions for the clinician dashboard
// from the Open-Meteo forecast API.
package weather

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const DefaultAPIURL = "https://api.open-meteo.com/v1/forecast"

// Report is the dashboard widget payload.
type Report struct {
	Temp      int    `json:"temp"`
	Condition string `json:"condition"`
	Icon      string `json:"icon"`
}

// Fallback is served whenever the upstream lookup fails.
var Fallback = Report{Temp: 72, Condition: "Clear", Icon: "sun"}

// Describe maps a WMO weather interpretation code to a condition and icon.
func Describe(code int) (condition, icon string) {
	switch {
	case code == 0:
		return "Clear", "sun"
	case code >= 1 && code <= 3:
		return "Cloudy", "cloud"
	case code >= 45 && code <= 48:
		return "Foggy", "cloud-drizzle"
	case code >= 51 && code <= 57:
		return "Drizzle", "cloud-drizzle"
	case code >= 61 && code <= 67, code >= 80 && code <= 82:
		return "Rain", "cloud-rain"
	case code >= 71 && code <= 77, code >= 85 && code <= 86:
		return "Snow", "snowflake"
	case code >= 95 && code <= 99:
		return "Thunderstorm", "cloud-lightning"
	default:
		return "Cloudy", "cloud"
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type forecast struct {
	Current *struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
}

// Current fetches the temperature in Fahrenheit and the WMO code at lat/lon.
func (c *Client) Current(ctx context.Context, lat, lon float64) (Report, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("current", "temperature_2m,weather_code")
	q.Set("temperature_unit", "fahrenheit")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Report{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Report{}, fmt.Errorf("weather api returned status %d", resp.StatusCode)
	}

	var f forecast
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&f); err != nil {
		return Report{}, fmt.Errorf("decoding forecast: %w", err)
	}
	if f.Current == nil {
		return Report{}, fmt.Errorf("forecast has no current conditions")
	}

	condition, icon := Describe(f.Current.WeatherCode)
	return Report{
		// Half-up rounding, so 71.5 reads 72 and -2.5 reads -2.
		Temp:      int(math.Floor(f.Current.Temperature + 0.5)),
		Condition: condition,
		Icon:      icon,
	}, nil
}

type Handler struct {
	client *Client
	logger zerolog.Logger
}

func NewHandler(client *Client, logger zerolog.Logger) *Handler {
	return &Handler{client: client, logger: logger.With().Str("component", "weather").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/weather", h.Get)
}

func (h *Handler) Get(c echo.Context) error {
	latRaw, lonRaw := c.QueryParam("lat"), c.QueryParam("lon")
	if latRaw == "" || lonRaw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Latitude and longitude are required")
	}
	lat, err1 := strconv.ParseFloat(latRaw, 64)
	lon, err2 := strconv.ParseFloat(lonRaw, 64)
	if err1 != nil || err2 != nil || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return echo.NewHTTPError(http.StatusBadRequest, "Latitude and longitude must be valid coordinates")
	}

	report, err := h.client.Current(c.Request().Context(), lat, lon)
	if err != nil {
		h.logger.Warn().Err(err).Msg("weather lookup failed, serving fallback")
		report = Fallback
	}
	return c.JSON(http.StatusOK, report)
}
