package eta

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// OSRMClient asks an OSRM HTTP server for route distance and duration.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (o *OSRMClient) Estimate(from, to models.Coord) (Route, error) {
	// /route/v1/driving/{lng1},{lat1};{lng2},{lat2}?overview=false
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Route{DistanceMeters: out.Routes[0].Distance, DurationSeconds: out.Routes[0].Duration}, nil
}

// CachingClient wraps an oracle with the TTL cache and a haversine fallback
// so booking creation never blocks on a broken routing server.
type CachingClient struct {
	Primary  Client
	Cache    *Cache
	Fallback HaversineClient
}

func (c *CachingClient) Estimate(from, to models.Coord) (Route, error) {
	if c.Cache != nil {
		if r, ok := c.Cache.Get(from, to); ok {
			return r, nil
		}
	}
	if c.Primary != nil {
		if r, err := c.Primary.Estimate(from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, r)
			}
			return r, nil
		}
	}
	return c.Fallback.Estimate(from, to)
}
