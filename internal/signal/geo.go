package signal

import "math"

// Geo travel limits. Speeds above the ceiling cannot be explained by any
// commercial transport and mark the location change as impossible travel.
const (
	ImpossibleSpeedKMH = 900.0
	earthRadiusKM      = 6371.0
)

// Location is a geographic point attached to a request.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
}

// Zero reports whether the location carries no coordinates.
func (l Location) Zero() bool {
	return l.Latitude == 0 && l.Longitude == 0
}

// DistanceKM returns the great-circle distance between two points using the
// haversine formula.
func DistanceKM(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ImpliedSpeedKMH returns the travel speed implied by covering distanceKM in
// elapsedSec seconds. A non-positive elapsed time with non-zero distance is
// treated as instantaneous and returns +Inf.
func ImpliedSpeedKMH(distanceKM, elapsedSec float64) float64 {
	if elapsedSec <= 0 {
		if distanceKM == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return distanceKM / (elapsedSec / 3600)
}
