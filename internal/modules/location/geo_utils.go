// README: Pure geographic computation helpers shared by matching and the live index.
package location

import (
	"math"
	"sort"

	"lifelink/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance between two points given in
// decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	phi1, phi2 := radians(lat1), radians(lat2)
	halfDLat := radians(lat2-lat1) / 2
	halfDLng := radians(lng2-lng1) / 2

	h := math.Pow(math.Sin(halfDLat), 2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Pow(math.Sin(halfDLng), 2)
	// rounding can push h just past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func Between(a, b types.Point) float64 {
	return DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// sortNearby orders results closest first; equal distances fall back to the ambulance ID.
func sortNearby(items []Nearby) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].DistanceKm != items[j].DistanceKm {
			return items[i].DistanceKm < items[j].DistanceKm
		}
		return items[i].AmbulanceID < items[j].AmbulanceID
	})
}
