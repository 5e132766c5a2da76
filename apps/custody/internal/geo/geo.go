package geo

import (
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two coordinates
// using the Haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding can push a marginally above 1 for antipodal points
	a = math.Min(1, a)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Simplify downsamples points with a fixed stride of n/maxPoints and always keeps
// the final point. At most maxPoints strided samples are taken, so the result
// holds at most maxPoints+1 entries. Inputs that already fit are returned unchanged.
func Simplify[T any](points []T, maxPoints int) []T {
	n := len(points)
	if maxPoints <= 0 || n <= maxPoints {
		return points
	}

	stride := n / maxPoints
	result := make([]T, 0, maxPoints+1)
	last := -1
	for i := 0; i < n && len(result) < maxPoints; i += stride {
		result = append(result, points[i])
		last = i
	}
	if last != n-1 {
		result = append(result, points[n-1])
	}
	return result
}
