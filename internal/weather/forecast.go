package weather

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
)

// ForecastPoll scrapes each station's NWS digital forecast page on a fixed
// interval and records the hourly horizon. A failing station yields an empty
// result for that station only.
type ForecastPoll struct {
	sites    []Site
	store    *store.ForecastStore
	bus      bus.Publisher
	http     *http.Client
	interval time.Duration
}

func NewForecastPoll(sites []Site, st *store.ForecastStore, b bus.Publisher, interval time.Duration) *ForecastPoll {
	return &ForecastPoll{
		sites:    sites,
		store:    st,
		bus:      b,
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: interval,
	}
}

func (p *ForecastPoll) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *ForecastPoll) poll(ctx context.Context) {
	now := time.Now()
	for _, site := range p.sites {
		rows, err := p.fetchSite(ctx, site, now)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("forecast fetch failed", "station", site.Station, "err", err)
			continue
		}

		if err := p.store.InsertBatch(ctx, now, rows); err != nil {
			slog.Error("forecast insert failed", "station", site.Station, "err", err)
		}

		payload := make([]bus.Sample, len(rows))
		for i, o := range rows {
			payload[i] = bus.Sample{Time: o.ObservationTime, Temp: o.AirTemp}
		}
		if err := p.bus.Publish(ctx, bus.ForecastUpdate{Site: site.Station, Payload: payload}); err != nil {
			return
		}
	}
}

func (p *ForecastPoll) fetchSite(ctx context.Context, site Site, now time.Time) ([]store.Observation, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", site.ForecastURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mapclick status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing forecast page: %w", err)
	}

	loc, err := time.LoadLocation(site.TZ)
	if err != nil {
		return nil, err
	}

	return parseDigitalForecast(doc, site.Station, loc, now)
}

// parseDigitalForecast walks the fifth <table> of a MapClick digital page.
// The table stacks two 24-hour blocks; each block repeats the same row
// labels (Date, Hour, Temperature, ...), so values for a repeated label are
// appended to the first occurrence, rebuilding the full horizon in order.
func parseDigitalForecast(doc *goquery.Document, station string, loc *time.Location, now time.Time) ([]store.Observation, error) {
	tables := doc.Find("table")
	if tables.Length() < 5 {
		return nil, fmt.Errorf("station %s page has no forecast table", station)
	}

	series := make(map[string][]string)
	var order []string
	tables.Eq(4).Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		if len(cells) < 2 || cells[0] == "" {
			return
		}
		label := cells[0]
		if _, seen := series[label]; !seen {
			order = append(order, label)
		}
		series[label] = append(series[label], cells[1:]...)
	})

	dates := series["Date"]
	hours := findSeries(series, order, "Hour")
	temps := findSeries(series, order, "Temperature")
	dews := findSeries(series, order, "Dew Point")
	hums := findSeries(series, order, "Relative Humidity")
	winds := findSeries(series, order, "Wind Speed")
	if len(hours) == 0 || len(temps) == 0 {
		return nil, fmt.Errorf("station %s forecast table missing hour/temperature rows", station)
	}

	var rows []store.Observation
	var day time.Time
	for i := range hours {
		// The Date row is sparse; carry the last seen value forward.
		if i < len(dates) && dates[i] != "" {
			d, err := parseForecastDate(dates[i], loc, now)
			if err != nil {
				continue
			}
			day = d
		}
		if day.IsZero() {
			continue
		}
		hour, err := strconv.Atoi(hours[i])
		if err != nil {
			continue
		}
		temp, err := strconv.ParseFloat(temps[i], 64)
		if err != nil {
			continue
		}

		obsTime := day.Add(time.Duration(hour) * time.Hour)
		rows = append(rows, store.Observation{
			Idx:              len(rows),
			Station:          station,
			ObservationTime:  obsTime.Format("2006-01-02T15:04:05-07:00"),
			AirTemp:          temp,
			DewPoint:         floatAt(dews, i),
			RelativeHumidity: floatAt(hums, i),
			WindSpeed:        floatAt(winds, i),
		})
	}
	return rows, nil
}

// findSeries matches a row label by prefix; the page suffixes labels with
// units and the local timezone abbreviation ("Hour (EDT)").
func findSeries(series map[string][]string, order []string, prefix string) []string {
	for _, label := range order {
		if strings.HasPrefix(label, prefix) {
			return series[label]
		}
	}
	return nil
}

// parseForecastDate resolves an "M/D" cell against the current year,
// spilling into the next year when the horizon crosses New Year.
func parseForecastDate(s string, loc *time.Location, now time.Time) (time.Time, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("bad date cell %q", s)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, err
	}
	dayNum, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, err
	}

	d := time.Date(now.Year(), time.Month(month), dayNum, 0, 0, 0, 0, loc)
	if d.Before(now.AddDate(0, -6, 0)) {
		d = d.AddDate(1, 0, 0)
	}
	return d, nil
}

func floatAt(vals []string, i int) float64 {
	if i >= len(vals) {
		return 0
	}
	f, err := strconv.ParseFloat(vals[i], 64)
	if err != nil {
		return 0
	}
	return f
}
