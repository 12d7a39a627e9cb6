package eta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/godrive/internal/models"
)

const defaultProfile = "driving"

// OSRMClient asks an OSRM server how long an instructor needs to reach a student.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  defaultProfile,
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// EstimateSeconds returns the duration of the fastest route between the points.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	profile := o.Profile
	if profile == "" {
		profile = defaultProfile
	}
	// OSRM takes lon,lat pairs
	u := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build route request: %w", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("route request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("route request: status %d", resp.StatusCode)
	}

	var out routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode route response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("no route between %v and %v: %s", from, to, out.Code)
	}
	return out.Routes[0].Duration, nil
}
