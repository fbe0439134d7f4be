package pipeline

import "math"

// earthRadiusKm is the WGS-84 mean radius used for great-circle distance —
// adequate for odometer accumulation, not survey-grade.
const earthRadiusKm = 6371.0088

// haversineKm returns the great-circle distance between two WGS-84
// coordinates in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// HaversineKm is the exported form of haversineKm, used by internal/alerts
// for towing-anchor and geofence-corridor distance checks.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	return haversineKm(lat1, lon1, lat2, lon2)
}

// glitchGuardWindow and glitchGuardMaxKm bound what counts as a plausible
// jump between two consecutive fixes. A device that reports a position more
// than glitchGuardMaxKm away within less than glitchGuardWindow of the last
// one is almost certainly a GPS glitch (cold-fix jump, multipath reflection)
// rather than genuine travel, so the distance is discarded from the odometer
// instead of corrupting it.
const (
	glitchGuardWindowSeconds = 5 * 60
	glitchGuardMaxKm         = 500.0

	// odometerWindowSeconds is how old the previous fix may be for the move
	// from it to count toward the odometer.
	odometerWindowSeconds = 12 * 60 * 60
)

// accumulateOdometer returns the distance (km) to add to the odometer for a
// move from (lastLat,lastLon) at lastTime to (lat,lon) at deviceTime, or 0 if
// the previous fix is more than 12 h older or the move looks like a glitch.
func accumulateOdometer(lastLat, lastLon float64, lastTime int64, lat, lon float64, deviceTime int64) float64 {
	dist := haversineKm(lastLat, lastLon, lat, lon)
	elapsed := deviceTime - lastTime
	if elapsed > odometerWindowSeconds {
		return 0
	}
	if elapsed >= 0 && elapsed < glitchGuardWindowSeconds && dist > glitchGuardMaxKm {
		return 0
	}
	return dist
}
