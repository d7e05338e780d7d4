package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// convertCSV writes one row per feature: a WKT geometry column plus the
// feature's properties serialized as a JSON column (spec.md §4.9 names
// "csv (WKT)" without prescribing a property-flattening scheme, and
// GeoJSON properties are not fixed-schema across features, so a single
// JSON column is the only representation that never truncates data).
func convertCSV(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	in, err := os.Open(geoJSONPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open source geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create csv output: %v", jobmodel.ErrStorageFailure, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write([]string{"wkt", "properties"}); err != nil {
		return Result{}, fmt.Errorf("%w: write csv header: %v", jobmodel.ErrStorageFailure, err)
	}

	err = geojsonstream.DecodeFeatures(in, func(raw json.RawMessage) error {
		var feature struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return err
		}
		wkt, err := geometryToWKT(feature.Geometry)
		if err != nil {
			return err
		}
		return w.Write([]string{wkt, string(feature.Properties)})
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: stream csv rows: %v", jobmodel.ErrStorageFailure, err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return Result{}, fmt.Errorf("%w: flush csv: %v", jobmodel.ErrStorageFailure, err)
	}

	stat, _ := out.Stat()
	var size int64
	if stat != nil {
		size = stat.Size()
	}
	return Result{Path: outPath, SizeBytes: size}, nil
}

type geoJSONGeometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// geometryToWKT converts a GeoJSON geometry into its Well-Known Text form
// for Point/LineString/Polygon and their Multi- variants; this build's
// export scope does not include GeometryCollection.
func geometryToWKT(raw json.RawMessage) (string, error) {
	var g geoJSONGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return "", fmt.Errorf("decode geometry: %w", err)
	}

	switch g.Type {
	case "Point":
		pt, _ := g.Coordinates.([]any)
		return fmt.Sprintf("POINT(%s)", coordPair(pt)), nil
	case "MultiPoint":
		pts, _ := g.Coordinates.([]any)
		return fmt.Sprintf("MULTIPOINT(%s)", joinCoordPairs(pts)), nil
	case "LineString":
		pts, _ := g.Coordinates.([]any)
		return fmt.Sprintf("LINESTRING(%s)", joinCoordPairs(pts)), nil
	case "MultiLineString":
		lines, _ := g.Coordinates.([]any)
		return fmt.Sprintf("MULTILINESTRING(%s)", joinRings(lines)), nil
	case "Polygon":
		rings, _ := g.Coordinates.([]any)
		return fmt.Sprintf("POLYGON(%s)", joinRings(rings)), nil
	case "MultiPolygon":
		polys, _ := g.Coordinates.([]any)
		parts := make([]string, 0, len(polys))
		for _, p := range polys {
			rings, _ := p.([]any)
			parts = append(parts, "("+joinRings(rings)+")")
		}
		return fmt.Sprintf("MULTIPOLYGON(%s)", joinStrings(parts)), nil
	default:
		return "", fmt.Errorf("%w: unsupported geometry type %q for wkt", jobmodel.ErrConfiguration, g.Type)
	}
}

func coordPair(pt []any) string {
	if len(pt) < 2 {
		return "0 0"
	}
	x, _ := pt[0].(float64)
	y, _ := pt[1].(float64)
	return fmt.Sprintf("%g %g", x, y)
}

func joinCoordPairs(pts []any) string {
	parts := make([]string, 0, len(pts))
	for _, p := range pts {
		pt, _ := p.([]any)
		parts = append(parts, coordPair(pt))
	}
	return joinStrings(parts)
}

func joinRings(rings []any) string {
	parts := make([]string, 0, len(rings))
	for _, r := range rings {
		pts, _ := r.([]any)
		parts = append(parts, "("+joinCoordPairs(pts)+")")
	}
	return joinStrings(parts)
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
