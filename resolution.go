package rsimg

import "math"

// EarthRadius is the mean radius of the earth, in meters.
const EarthRadius = 6371000.0

// Deg2MeterResolution converts a resolution expressed in degrees to meters
// along longitude and latitude, at the given reference latitude.
func Deg2MeterResolution(degRes, centerLat float64) (lonRes, latRes float64) {
	latRes = degRes * (math.Pi * EarthRadius / 180)
	lonRes = latRes * math.Cos(centerLat*math.Pi/180)
	return lonRes, latRes
}

// Meter2DegResolution converts a resolution expressed in meters to degrees
// along longitude and latitude, at the given reference latitude.
func Meter2DegResolution(meterRes, centerLat float64) (lonRes, latRes float64) {
	latRes = meterRes * 180 / (math.Pi * EarthRadius)
	lonRes = meterRes * 180 / (math.Pi * EarthRadius * math.Cos(centerLat*math.Pi/180))
	return lonRes, latRes
}
