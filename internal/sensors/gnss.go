package sensors

import "math"

const earthRadius = 6378137.0

// GeoReference anchors the local metric frame of a map to geodetic
// coordinates. Local +x points east and +y points north.
type GeoReference struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Locate converts a local position in metres to GNSS channel values in
// degrees and metres, using an equirectangular projection around the
// reference.
func (g GeoReference) Locate(p Vector3) map[string]float64 {
	lat := g.Latitude + p.Y/earthRadius*180/math.Pi
	lon := g.Longitude + p.X/(earthRadius*math.Cos(g.Latitude*math.Pi/180))*180/math.Pi
	return map[string]float64{
		"latitude":  lat,
		"longitude": lon,
		"altitude":  g.Altitude + p.Z,
	}
}
