package jobs

import (
	"math"

	"github.com/HatiCode/gridcast/pkg/relational"
)

const earthRadiusKm = 6371.0

// distanceKm returns the great-circle distance between two coordinates.
func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// nearestStation returns the station closest to the given coordinates and
// its distance in km. ok is false when the list is empty.
func nearestStation(stations []relational.WeatherStation, lat, lon float64) (best relational.WeatherStation, dist float64, ok bool) {
	dist = math.Inf(1)
	for _, s := range stations {
		if d := distanceKm(lat, lon, s.Latitude, s.Longitude); d < dist {
			dist = d
			best = s
			ok = true
		}
	}
	return best, dist, ok
}
