// Package weather runs the two polling producers: per-second station
// observations from the Synoptic timeseries API and hourly NWS point
// forecasts scraped from the MapClick digital pages.
package weather

// Site is one NWS observation station tied to a Kalshi high-temperature
// series.
type Site struct {
	Station     string // NWS station id, e.g. KNYC
	KalshiCode  string // series suffix, e.g. NY -> KXHIGHNY
	TZ          string // IANA timezone of the station
	ForecastURL string // MapClick digital forecast page
}

// Sites lists every station the system knows, in tab order.
var Sites = []Site{
	{"KNYC", "NY", "America/New_York", "https://forecast.weather.gov/MapClick.php?lat=40.78&lon=-73.97&lg=english&&FcstType=digital"},
	{"KMDW", "CHI", "America/Chicago", "https://forecast.weather.gov/MapClick.php?lat=41.78&lon=-87.76&lg=english&&FcstType=digital"},
	{"KAUS", "AUS", "America/Chicago", "https://forecast.weather.gov/MapClick.php?lat=30.18&lon=-97.68&lg=english&&FcstType=digital"},
	{"KMIA", "MIA", "America/New_York", "https://forecast.weather.gov/MapClick.php?lat=25.7554&lon=-80.2262&lg=english&&FcstType=digital"},
	{"KDEN", "DEN", "America/Denver", "https://forecast.weather.gov/MapClick.php?lat=39.85&lon=-104.66&lg=english&&FcstType=digital"},
	{"KPHL", "PHIL", "America/New_York", "https://forecast.weather.gov/MapClick.php?lat=40.08&lon=-75.01&lg=english&&FcstType=digital"},
	{"KLAX", "LAX", "America/Los_Angeles", "https://forecast.weather.gov/MapClick.php?lat=33.96&lon=-118.42&lg=english&&FcstType=digital"},
}

// ActiveSites returns the default NY-only list, or all seven with allSites.
func ActiveSites(allSites bool) []Site {
	if allSites {
		return Sites
	}
	return Sites[:1]
}

// SeriesTickers maps the active sites to their Kalshi series tickers.
func SeriesTickers(sites []Site) []string {
	out := make([]string, len(sites))
	for i, s := range sites {
		out[i] = "KXHIGH" + s.KalshiCode
	}
	return out
}
