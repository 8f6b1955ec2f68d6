// Package geodesy converts metric rectangles anchored on the map into lat/lng
// polygons.
//
// It uses a local flat-earth approximation (equirectangular around the anchor),
// which is accurate to a few centimetres over the extent of a single market.
// Rotations are applied in local metres, never in degrees, so rectangles keep
// their aspect at every latitude.
package geodesy

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/menta2k/bushub/pkg/types"
)

// MetersPerDegreeLat is the length of one degree of latitude
const MetersPerDegreeLat = 111320.0

// MaxLatitude bounds the usable latitude; the projection degenerates at the poles
const MaxLatitude = 89.9

// MetersPerDegreeLng is the length of one degree of longitude at lat
func MetersPerDegreeLng(lat float64) float64 {
	return MetersPerDegreeLat * math.Cos(lat*math.Pi/180)
}

// Offset moves origin by east/north metres
func Offset(origin types.LatLng, eastM, northM float64) types.LatLng {
	return types.LatLng{
		Lat: origin.Lat + northM/MetersPerDegreeLat,
		Lng: origin.Lng + eastM/MetersPerDegreeLng(origin.Lat),
	}
}

// ToLocal projects p into east/north metres relative to origin
func ToLocal(origin, p types.LatLng) (eastM, northM float64) {
	return (p.Lng - origin.Lng) * MetersPerDegreeLng(origin.Lat), (p.Lat - origin.Lat) * MetersPerDegreeLat
}

// FromLocal is the inverse of ToLocal
func FromLocal(origin types.LatLng, eastM, northM float64) types.LatLng {
	return Offset(origin, eastM, northM)
}

// Rotate turns a local vector clockwise (compass sense) by deg degrees
func Rotate(eastM, northM, deg float64) (float64, float64) {
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	return eastM*cos + northM*sin, -eastM*sin + northM*cos
}

// RectangleCorners returns the corners of a widthM x heightM rectangle centred
// on center and turned clockwise by rotationDeg, in the order south-west,
// south-east, north-east, north-west of the unrotated rectangle. The mean of
// the corners is center.
func RectangleCorners(center types.LatLng, widthM, heightM, rotationDeg float64) ([4]types.LatLng, error) {
	if !(widthM > 0) || !(heightM > 0) || math.IsInf(widthM, 0) || math.IsInf(heightM, 0) {
		return [4]types.LatLng{}, fmt.Errorf("%w: got %vx%v", types.ErrDegenerateGeometry, widthM, heightM)
	}
	if err := ValidateCoordinate(center); err != nil {
		return [4]types.LatLng{}, err
	}
	if math.IsNaN(rotationDeg) || math.IsInf(rotationDeg, 0) {
		return [4]types.LatLng{}, fmt.Errorf("%w: rotation %v", types.ErrGeometry, rotationDeg)
	}

	hw, hh := widthM/2, heightM/2
	local := [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}

	var corners [4]types.LatLng
	for i, c := range local {
		e, n := Rotate(c[0], c[1], rotationDeg)
		corners[i] = FromLocal(center, e, n)
	}
	return corners, nil
}

// OverlaySize returns the metric size of an image of widthPx x heightPx placed
// at metersPerPixel and scaled by scale
func OverlaySize(widthPx, heightPx int, metersPerPixel, scale float64) (float64, float64) {
	return float64(widthPx) * metersPerPixel * scale, float64(heightPx) * metersPerPixel * scale
}

// OverlayBounds returns the axis-aligned corners of the raster overlay centred on the anchor
func OverlayBounds(anchor types.Anchor, widthPx, heightPx int, metersPerPixel float64) ([4]types.LatLng, error) {
	if err := anchor.Validate(); err != nil {
		return [4]types.LatLng{}, err
	}
	w, h := OverlaySize(widthPx, heightPx, metersPerPixel, anchor.Scale)
	return RectangleCorners(anchor.Center, w, h, 0)
}

// Centroid is the arithmetic mean of points; ok is false for an empty slice
func Centroid(points []types.LatLng) (types.LatLng, bool) {
	if len(points) == 0 {
		return types.LatLng{}, false
	}
	lats := make([]float64, len(points))
	lngs := make([]float64, len(points))
	for i, p := range points {
		lats[i], lngs[i] = p.Lat, p.Lng
	}
	return types.LatLng{Lat: stat.Mean(lats, nil), Lng: stat.Mean(lngs, nil)}, true
}

// ValidateCoordinate rejects NaN and out-of-range coordinates
func ValidateCoordinate(p types.LatLng) error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.Abs(p.Lat) > MaxLatitude || math.Abs(p.Lng) > 180 {
		return fmt.Errorf("%w: coordinate %s out of range", types.ErrGeometry, p)
	}
	return nil
}

// DistanceMeters is the local flat-earth distance between two nearby points
func DistanceMeters(a, b types.LatLng) float64 {
	e, n := ToLocal(a, b)
	return math.Hypot(e, n)
}
