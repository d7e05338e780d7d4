package export

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"strings"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// convertKML streams each feature into a kml:Placemark, mapping Point to
// kml:Point and Line/Polygon types to kml:LineString/kml:Polygon with
// comma/space-separated coordinate tuples, the format KML expects.
func convertKML(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	in, err := os.Open(geoJSONPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open source geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create kml output: %v", jobmodel.ErrStorageFailure, err)
	}
	defer out.Close()

	if _, err := out.WriteString(xml.Header); err != nil {
		return Result{}, fmt.Errorf("%w: write kml header: %v", jobmodel.ErrStorageFailure, err)
	}
	if _, err := out.WriteString("<kml xmlns=\"http://www.opengis.net/kml/2.2\"><Document>\n"); err != nil {
		return Result{}, fmt.Errorf("%w: write kml document: %v", jobmodel.ErrStorageFailure, err)
	}

	err = geojsonstream.DecodeFeatures(in, func(raw json.RawMessage) error {
		var feature struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties map[string]any  `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return err
		}
		geomKML, err := geometryToKML(feature.Geometry)
		if err != nil {
			return err
		}
		name := firstNonEmptyAny(feature.Properties, "name", "Name", "title")
		_, err = fmt.Fprintf(out, "<Placemark><name>%s</name>%s</Placemark>\n", escapeXML(name), geomKML)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: stream kml placemarks: %v", jobmodel.ErrStorageFailure, err)
	}

	if _, err := out.WriteString("</Document></kml>"); err != nil {
		return Result{}, fmt.Errorf("%w: write kml footer: %v", jobmodel.ErrStorageFailure, err)
	}

	stat, _ := out.Stat()
	var size int64
	if stat != nil {
		size = stat.Size()
	}
	return Result{Path: outPath, SizeBytes: size}, nil
}

func geometryToKML(raw json.RawMessage) (string, error) {
	var g geoJSONGeometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return "", fmt.Errorf("decode geometry: %w", err)
	}

	switch g.Type {
	case "Point":
		pt, _ := g.Coordinates.([]any)
		return fmt.Sprintf("<Point><coordinates>%s</coordinates></Point>", kmlCoordPair(pt)), nil
	case "LineString":
		pts, _ := g.Coordinates.([]any)
		return fmt.Sprintf("<LineString><coordinates>%s</coordinates></LineString>", kmlCoordList(pts)), nil
	case "Polygon":
		rings, _ := g.Coordinates.([]any)
		if len(rings) == 0 {
			return "<Polygon/>", nil
		}
		outer, _ := rings[0].([]any)
		return fmt.Sprintf(
			"<Polygon><outerBoundaryIs><LinearRing><coordinates>%s</coordinates></LinearRing></outerBoundaryIs></Polygon>",
			kmlCoordList(outer),
		), nil
	default:
		return "", fmt.Errorf("%w: unsupported geometry type %q for kml", jobmodel.ErrConfiguration, g.Type)
	}
}

func kmlCoordPair(pt []any) string {
	if len(pt) < 2 {
		return "0,0"
	}
	x, _ := pt[0].(float64)
	y, _ := pt[1].(float64)
	return fmt.Sprintf("%g,%g", x, y)
}

func kmlCoordList(pts []any) string {
	parts := make([]string, 0, len(pts))
	for _, p := range pts {
		pt, _ := p.([]any)
		parts = append(parts, kmlCoordPair(pt))
	}
	return strings.Join(parts, " ")
}

func firstNonEmptyAny(props map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := props[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
