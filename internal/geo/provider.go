package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Lookup is one upstream answer: road distance from the origin plus the
// geocoded venue.
type Lookup struct {
	DistanceMiles float64
	Venue         Point
}

// Provider is the external geocode/distance collaborator.
type Provider interface {
	Distance(ctx context.Context, address string, origin Point) (Lookup, error)
}

// HTTPProvider calls GET {base}/v1/distance?address=&origin_lat=&origin_lon=.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type distanceResponse struct {
	Status        string  `json:"status"`
	DistanceMiles float64 `json:"distance_miles"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Message       string  `json:"message"`
}

const (
	statusOK             = "OK"
	statusZeroResults    = "ZERO_RESULTS"
	statusOverQueryLimit = "OVER_QUERY_LIMIT"
)

func (p *HTTPProvider) Distance(ctx context.Context, address string, origin Point) (Lookup, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("origin_lat", strconv.FormatFloat(origin.Lat, 'f', 6, 64))
	q.Set("origin_lon", strconv.FormatFloat(origin.Lon, 'f', 6, 64))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/distance?"+q.Encode(), nil)
	if err != nil {
		return Lookup{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Lookup{}, fmt.Errorf("distance request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Lookup{}, fmt.Errorf("read distance response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Lookup{}, Permanent(ErrQuotaExceeded)
	case resp.StatusCode == http.StatusNotFound:
		return Lookup{}, Permanent(ErrAddressNotFound)
	case resp.StatusCode >= 500:
		return Lookup{}, fmt.Errorf("distance provider status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Lookup{}, Permanent(fmt.Errorf("distance provider status %d", resp.StatusCode))
	}

	var payload distanceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Lookup{}, fmt.Errorf("decode distance response: %w", err)
	}
	switch payload.Status {
	case statusOK, "":
	case statusOverQueryLimit:
		return Lookup{}, Permanent(ErrQuotaExceeded)
	case statusZeroResults:
		return Lookup{}, Permanent(ErrAddressNotFound)
	default:
		return Lookup{}, fmt.Errorf("distance provider status %s: %s", payload.Status, payload.Message)
	}
	if payload.DistanceMiles < 0 {
		return Lookup{}, Permanent(fmt.Errorf("negative distance %.2f", payload.DistanceMiles))
	}
	return Lookup{DistanceMiles: payload.DistanceMiles, Venue: Point{Lat: payload.Lat, Lon: payload.Lon}}, nil
}
