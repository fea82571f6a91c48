package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/akshaygulabrao/akshay-trading-5/internal/bus"
	"github.com/akshaygulabrao/akshay-trading-5/internal/store"
)

const synopticURL = "https://api.synopticdata.com/v2/stations/timeseries"

// SensorPoll fetches recent observations for every station roughly once a
// second, deduplicates them into the sensor store, and broadcasts a compact
// per-station sample list.
type SensorPoll struct {
	sites    []Site
	token    string
	store    *store.SensorStore
	bus      bus.Publisher
	http     *http.Client
	interval time.Duration
}

func NewSensorPoll(sites []Site, token string, st *store.SensorStore, b bus.Publisher) *SensorPoll {
	return &SensorPoll{
		sites:    sites,
		token:    token,
		store:    st,
		bus:      b,
		http:     &http.Client{Timeout: time.Second},
		interval: time.Second,
	}
}

// Run polls until cancelled. A failed iteration is skipped entirely; the
// wall-clock target is held by deducting elapsed time from the next sleep.
func (p *SensorPoll) Run(ctx context.Context) error {
	for {
		start := time.Now()

		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sensor poll failed", "err", err)
		}

		sleep := p.interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (p *SensorPoll) poll(ctx context.Context) error {
	stids := make([]string, len(p.sites))
	for i, s := range p.sites {
		stids[i] = s.Station
	}

	params := url.Values{}
	params.Set("STID", strings.Join(stids, ","))
	params.Set("showemptystations", "1")
	params.Set("units", "temp|F,speed|mph,english")
	params.Set("recent", "100")
	params.Set("complete", "1")
	params.Set("obtimezone", "local")
	params.Set("token", p.token)

	req, err := http.NewRequestWithContext(ctx, "GET", synopticURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Origin", "https://www.weather.gov")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synoptic status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	byStation, err := parseTimeseries(body)
	if err != nil {
		return err
	}

	now := time.Now()
	var all []store.Observation
	for _, obs := range byStation {
		all = append(all, obs...)
	}
	if err := p.store.InsertBatch(ctx, now, all); err != nil {
		slog.Error("sensor insert failed", "err", err)
	}

	for _, site := range p.sites {
		obs := byStation[site.Station]
		if len(obs) == 0 {
			continue
		}
		payload := make([]bus.Sample, len(obs))
		for i, o := range obs {
			payload[i] = bus.Sample{Time: o.ObservationTime, Temp: o.AirTemp}
		}
		if err := p.bus.Publish(ctx, bus.SensorUpdate{Site: site.Station, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// timeseriesResponse mirrors the Synoptic payload: parallel arrays per
// station, one entry per observation time.
type timeseriesResponse struct {
	Station []struct {
		STID         string `json:"STID"`
		Observations struct {
			DateTime         []string   `json:"date_time"`
			AirTemp          []*float64 `json:"air_temp_set_1"`
			RelativeHumidity []*float64 `json:"relative_humidity_set_1"`
			DewPoint         []*float64 `json:"dew_point_temperature_set_1d"`
			WindSpeed        []*float64 `json:"wind_speed_set_1"`
		} `json:"OBSERVATIONS"`
	} `json:"STATION"`
}

// parseTimeseries zips each station's parallel arrays into observation rows.
func parseTimeseries(data []byte) (map[string][]store.Observation, error) {
	var ts timeseriesResponse
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("decoding timeseries: %w", err)
	}

	out := make(map[string][]store.Observation, len(ts.Station))
	for _, st := range ts.Station {
		o := st.Observations
		rows := make([]store.Observation, 0, len(o.DateTime))
		for i, dt := range o.DateTime {
			rows = append(rows, store.Observation{
				Station:          st.STID,
				ObservationTime:  dt,
				AirTemp:          deref(o.AirTemp, i),
				RelativeHumidity: deref(o.RelativeHumidity, i),
				DewPoint:         deref(o.DewPoint, i),
				WindSpeed:        deref(o.WindSpeed, i),
			})
		}
		out[st.STID] = rows
	}
	return out, nil
}

func deref(vals []*float64, i int) float64 {
	if i >= len(vals) || vals[i] == nil {
		return 0
	}
	return *vals[i]
}
