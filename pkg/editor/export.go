package editor

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/menta2k/bushub/pkg/geodesy"
	"github.com/menta2k/bushub/pkg/types"
)

// ExportFilename is the suggested name of the exported document
const ExportFilename = "market_layout.json"

// Document is the exported placement. GeoJSON coordinates are [lng, lat].
type Document struct {
	Container      [4]types.LatLng            `json:"container"`
	Center         types.LatLng               `json:"center"`
	StallsGeoJSON  *geojson.FeatureCollection `json:"stalls_geojson"`
	MarkersGeoJSON *geojson.FeatureCollection `json:"markers_geojson"`
	AreasGeoJSON   *geojson.FeatureCollection `json:"areas_geojson"`
	PlantRotation  float64                    `json:"plant_rotation"`
	PlantScale     float64                    `json:"plant_scale"`
}

// JSON encodes the document
func (d *Document) JSON() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Export builds the export document. It needs at least one stall.
func (e *Editor) Export() (*Document, error) {
	s := e.State()
	if len(s.Stalls) == 0 {
		return nil, types.ErrNoStalls
	}
	anchor := e.Anchor()

	positions := make([]types.LatLng, len(s.Stalls))
	stalls := geojson.NewFeatureCollection()
	for i, st := range s.Stalls {
		positions[i] = st.Position
		corners, err := geodesy.RectangleCorners(st.Position, st.WidthM, st.HeightM, st.RotationDeg)
		if err != nil {
			return nil, fmt.Errorf("stall %s: %w", st.Label, err)
		}
		f := geojson.NewFeature(orb.Polygon{cornerRing(corners)})
		f.ID = st.ID
		f.Properties["id"] = st.ID
		f.Properties["label"] = st.Label
		f.Properties["status"] = string(st.Status)
		f.Properties["kind"] = st.Kind
		f.Properties["width_m"] = st.WidthM
		f.Properties["height_m"] = st.HeightM
		f.Properties["rotation_deg"] = st.RotationDeg
		f.Properties["center"] = []float64{st.Position.Lng, st.Position.Lat}
		stalls.Append(f)
	}

	markers := geojson.NewFeatureCollection()
	for _, m := range s.Markers {
		f := geojson.NewFeature(toPoint(m.Position))
		f.ID = m.ID
		f.Properties["id"] = m.ID
		f.Properties["index"] = m.Index
		f.Properties["label"] = m.Label
		f.Properties["category"] = m.Category
		f.Properties["description"] = m.Description
		f.Properties["style"] = m.Style
		markers.Append(f)
	}

	areas := geojson.NewFeatureCollection()
	for _, a := range s.Areas {
		f := geojson.NewFeature(orb.Polygon{ring(a.Vertices)})
		f.ID = a.ID
		f.Properties["id"] = a.ID
		f.Properties["index"] = a.Index
		f.Properties["label"] = a.Label
		f.Properties["category"] = a.Category
		f.Properties["description"] = a.Description
		f.Properties["style"] = a.Style
		areas.Append(f)
	}

	center, _ := geodesy.Centroid(positions)
	return &Document{
		Container:      e.OverlayBounds(),
		Center:         center,
		StallsGeoJSON:  stalls,
		MarkersGeoJSON: markers,
		AreasGeoJSON:   areas,
		PlantRotation:  anchor.Rotation,
		PlantScale:     anchor.Scale,
	}, nil
}
