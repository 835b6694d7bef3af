// Package locate guesses where a visitor is so the first viewport opens
// near them instead of at a fixed default.
package locate

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Locator resolves an IP address to a coordinate.
type Locator interface {
	Locate(ip net.IP) (lat, lon float64, ok bool)
}

// GeoIP answers from a MaxMind City database.
type GeoIP struct {
	reader *geoip2.Reader
}

// Open loads the mmdb file at path.
func Open(path string) (*GeoIP, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("geoip: empty database path")
	}
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip open %s: %w", path, err)
	}
	return &GeoIP{reader: r}, nil
}

// Locate returns the city-level position for ip. Private and unknown
// addresses report ok=false.
func (g *GeoIP) Locate(ip net.IP) (float64, float64, bool) {
	if g == nil || g.reader == nil || ip == nil {
		return 0, 0, false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return 0, 0, false
	}
	city, err := g.reader.City(ip)
	if err != nil {
		return 0, 0, false
	}
	lat, lon := city.Location.Latitude, city.Location.Longitude
	if lat == 0 && lon == 0 {
		return 0, 0, false
	}
	return lat, lon, true
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}

// ClientIP extracts the caller's address, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
