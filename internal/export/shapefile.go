package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	shp "github.com/jonas-p/go-shp"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// propertiesFieldLength is the DBF string field width for the JSON-encoded
// properties column. Shapefile DBF columns are fixed-width and fixed-schema
// up front, and GeoJSON properties are neither across an arbitrary feature
// stream, so (like convertCSV) this writes one JSON column rather than
// attempting to infer a column per distinct property key.
const propertiesFieldLength = 254

// convertShapefile writes a single-geometry-type .shp/.dbf/.shx set via
// go-shp. The merged export is expected to be geometrically homogeneous
// (spec.md's export inputs are cached Datasets, each already one
// geometry kind per §3's EnrichedMetadata.GeometryKind); the first
// feature's type decides the shapefile's ShapeType and any feature of a
// different type is skipped rather than aborting the whole export.
func convertShapefile(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	in, err := os.Open(geoJSONPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open source geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	defer in.Close()

	var writer *shp.Writer
	var shapeType shp.ShapeType
	row := 0

	err = geojsonstream.DecodeFeatures(in, func(raw json.RawMessage) error {
		var feature struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return err
		}
		var g geoJSONGeometry
		if err := json.Unmarshal(feature.Geometry, &g); err != nil {
			return err
		}

		if writer == nil {
			shapeType = shpTypeFor(g.Type)
			w, err := shp.Create(outPath, shapeType)
			if err != nil {
				return fmt.Errorf("create shapefile: %w", err)
			}
			if err := w.SetFields([]shp.Field{shp.StringField("properties", propertiesFieldLength)}); err != nil {
				return fmt.Errorf("set shapefile fields: %w", err)
			}
			writer = w
		}
		if shpTypeFor(g.Type) != shapeType {
			return nil
		}

		shape, err := toShpShape(g, shapeType)
		if err != nil || shape == nil {
			return nil
		}
		writer.Write(shape)
		propsJSON := string(feature.Properties)
		if len(propsJSON) > propertiesFieldLength {
			propsJSON = propsJSON[:propertiesFieldLength]
		}
		writer.WriteAttribute(row, 0, propsJSON)
		row++
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: stream shapefile rows: %v", jobmodel.ErrStorageFailure, err)
	}
	if writer == nil {
		return Result{}, fmt.Errorf("%w: no features to write shapefile", jobmodel.ErrPermanentUpstream)
	}
	writer.Close()

	stat, err := os.Stat(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stat shapefile output: %v", jobmodel.ErrStorageFailure, err)
	}
	return Result{Path: outPath, SizeBytes: stat.Size()}, nil
}

func shpTypeFor(geomType string) shp.ShapeType {
	switch geomType {
	case "Point", "MultiPoint":
		return shp.POINT
	case "LineString", "MultiLineString":
		return shp.POLYLINE
	case "Polygon", "MultiPolygon":
		return shp.POLYGON
	default:
		return shp.NULL
	}
}

func toShpShape(g geoJSONGeometry, shapeType shp.ShapeType) (shp.Shape, error) {
	switch shapeType {
	case shp.POINT:
		pt, ok := g.Coordinates.([]any)
		if !ok || len(pt) < 2 {
			return nil, nil
		}
		x, _ := pt[0].(float64)
		y, _ := pt[1].(float64)
		return &shp.Point{X: x, Y: y}, nil
	case shp.POLYLINE:
		parts, err := shpParts(g)
		if err != nil || len(parts) == 0 {
			return nil, err
		}
		return shp.NewPolyLine(parts), nil
	case shp.POLYGON:
		parts, err := shpParts(g)
		if err != nil || len(parts) == 0 {
			return nil, err
		}
		return shp.NewPolygon(parts), nil
	default:
		return nil, nil
	}
}

// shpParts normalizes LineString/Polygon (and their Multi- variants) into
// go-shp's flat list-of-rings shape, since PolyLine/Polygon both just take
// [][]Point parts regardless of the GeoJSON nesting depth.
func shpParts(g geoJSONGeometry) ([][]shp.Point, error) {
	switch g.Type {
	case "LineString":
		pts, ok := g.Coordinates.([]any)
		if !ok {
			return nil, nil
		}
		return [][]shp.Point{toShpPoints(pts)}, nil
	case "Polygon":
		rings, ok := g.Coordinates.([]any)
		if !ok {
			return nil, nil
		}
		return ringsToShpParts(rings), nil
	case "MultiLineString":
		lines, ok := g.Coordinates.([]any)
		if !ok {
			return nil, nil
		}
		return ringsToShpParts(lines), nil
	case "MultiPolygon":
		polys, ok := g.Coordinates.([]any)
		if !ok {
			return nil, nil
		}
		var parts [][]shp.Point
		for _, p := range polys {
			rings, _ := p.([]any)
			parts = append(parts, ringsToShpParts(rings)...)
		}
		return parts, nil
	default:
		return nil, nil
	}
}

func ringsToShpParts(rings []any) [][]shp.Point {
	parts := make([][]shp.Point, 0, len(rings))
	for _, r := range rings {
		pts, _ := r.([]any)
		parts = append(parts, toShpPoints(pts))
	}
	return parts
}

func toShpPoints(pts []any) []shp.Point {
	out := make([]shp.Point, 0, len(pts))
	for _, p := range pts {
		pt, _ := p.([]any)
		if len(pt) < 2 {
			continue
		}
		x, _ := pt[0].(float64)
		y, _ := pt[1].(float64)
		out = append(out, shp.Point{X: x, Y: y})
	}
	return out
}
