package relevance

import "math"

// earthRadiusMiles は地球の平均半径（マイル）。
const earthRadiusMiles = 3959.87433

// DistanceMiles は2点間の大円距離をハーバーサイン公式で求める。
func DistanceMiles(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Asin(math.Sqrt(a))
	return earthRadiusMiles * c
}
