package objectstore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// featureRow is the on-disk GeoParquet schema: geometry kept as a GeoJSON
// blob (avoids a WKB encoder dependency the pack doesn't carry) and
// properties flattened to a JSON string column, matching the original
// format's "one geometry column + N property columns" shape closely enough
// for round-tripping through RetrieveDataset.
type featureRow struct {
	Geometry   []byte `parquet:"geometry"`
	Properties []byte `parquet:"properties"`
}

// geoMetadataVersion is the GeoParquet spec version this core claims to
// write, recorded in the file's "geo" key-value metadata per the project's
// GeoParquet-interoperability requirement.
const geoMetadataVersion = "1.0.0"

type geoParquetMeta struct {
	FeatureCount int
	SizeBytes    int64
}

// ConvertToGeoParquet is geojsonToGeoParquet exported for reuse by the
// Export Service's geoparquet converter (spec.md §4.9).
func ConvertToGeoParquet(geoJSONPath, parquetPath string) (featureCount int, sizeBytes int64, err error) {
	meta, err := geojsonToGeoParquet(geoJSONPath, parquetPath)
	if err != nil {
		return 0, 0, err
	}
	return meta.FeatureCount, meta.SizeBytes, nil
}

// geojsonToGeoParquet streams geoJSONPath's features into a GeoParquet
// file, writing the "geo" metadata block GeoParquet readers (QGIS, DuckDB,
// GDAL) expect for schema discovery.
func geojsonToGeoParquet(geoJSONPath, parquetPath string) (geoParquetMeta, error) {
	in, err := os.Open(geoJSONPath)
	if err != nil {
		return geoParquetMeta{}, fmt.Errorf("open geojson: %w", err)
	}
	defer in.Close()

	out, err := os.Create(parquetPath)
	if err != nil {
		return geoParquetMeta{}, fmt.Errorf("create parquet file: %w", err)
	}
	defer out.Close()

	geoMeta := map[string]any{
		"version": geoMetadataVersion,
		"primary_column": "geometry",
		"columns": map[string]any{
			"geometry": map[string]any{
				"encoding": "geojson",
				"geometry_types": []string{},
			},
		},
	}
	geoMetaJSON, err := json.Marshal(geoMeta)
	if err != nil {
		return geoParquetMeta{}, fmt.Errorf("marshal geo metadata: %w", err)
	}

	writer := parquet.NewGenericWriter[featureRow](out,
		parquet.Compression(&parquet.Snappy{}),
		parquet.KeyValueMetadata("geo", string(geoMetaJSON)),
	)

	count := 0
	err = geojsonstream.DecodeFeatures(in, func(raw json.RawMessage) error {
		var feature struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return fmt.Errorf("decode feature: %w", err)
		}
		props := feature.Properties
		if len(props) == 0 {
			props = []byte("{}")
		}
		if _, err := writer.Write([]featureRow{{Geometry: feature.Geometry, Properties: props}}); err != nil {
			return fmt.Errorf("write parquet row: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		writer.Close()
		return geoParquetMeta{}, err
	}
	if err := writer.Close(); err != nil {
		return geoParquetMeta{}, fmt.Errorf("close parquet writer: %w", err)
	}

	stat, err := out.Stat()
	if err != nil {
		return geoParquetMeta{}, fmt.Errorf("stat parquet file: %w", err)
	}
	return geoParquetMeta{FeatureCount: count, SizeBytes: stat.Size()}, nil
}

// geoParquetToGeoJSON reads a GeoParquet file back into a streamed GeoJSON
// FeatureCollection, optionally dropping rows whose geometry coordinates
// fall entirely outside bbox.
func geoParquetToGeoJSON(parquetPath, geoJSONPath string, bbox *jobmodel.BBox) (int, error) {
	f, err := os.Open(parquetPath)
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[featureRow](f, parquet.SchemaOf(featureRow{}))
	defer reader.Close()

	out, err := os.Create(geoJSONPath)
	if err != nil {
		return 0, fmt.Errorf("create geojson: %w", err)
	}
	defer out.Close()

	writer := geojsonstream.NewWriter(out)
	defer writer.Close()

	rows := make([]featureRow, 256)
	count := 0
	for {
		n, readErr := reader.Read(rows)
		for i := 0; i < n; i++ {
			if bbox != nil && !geometryIntersectsBBox(rows[i].Geometry, *bbox) {
				continue
			}
			var feature struct {
				Type       string          `json:"type"`
				Geometry   json.RawMessage `json:"geometry"`
				Properties json.RawMessage `json:"properties"`
			}
			feature.Type = "Feature"
			feature.Geometry = rows[i].Geometry
			feature.Properties = rows[i].Properties
			raw, mErr := json.Marshal(feature)
			if mErr != nil {
				return count, fmt.Errorf("marshal feature: %w", mErr)
			}
			if wErr := writer.WriteFeature(raw); wErr != nil {
				return count, fmt.Errorf("write feature: %w", wErr)
			}
			count++
		}
		if readErr != nil {
			break
		}
	}
	return count, nil
}

// geometryIntersectsBBox does a coarse bounding-box-vs-bounding-box check
// by walking the geometry's coordinate tree; no true polygon intersection,
// which is sufficient for a pre-filter ahead of a downstream GIS tool.
func geometryIntersectsBBox(geometry []byte, bbox jobmodel.BBox) bool {
	var g struct {
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal(geometry, &g); err != nil {
		return true // don't drop on parse failure
	}
	var tree any
	if err := json.Unmarshal(g.Coordinates, &tree); err != nil {
		return true
	}

	minX, minY := bbox.MaxX, bbox.MaxY
	maxX, maxY := bbox.MinX, bbox.MinY
	found := false
	walkCoordinates(tree, func(x, y float64) {
		found = true
		if x < minX {
			minX = x
		}
		if x > maxX {
			maxX = x
		}
		if y < minY {
			minY = y
		}
		if y > maxY {
			maxY = y
		}
	})
	if !found {
		return true
	}
	return minX <= bbox.MaxX && maxX >= bbox.MinX && minY <= bbox.MaxY && maxY >= bbox.MinY
}

// GeometryIntersectsBBox exports the coarse bbox-vs-bbox pre-filter for
// reuse by the Export Service's clip step, which needs the same check
// against raw (not GeoParquet-row) GeoJSON geometry bytes.
func GeometryIntersectsBBox(geometry []byte, bbox jobmodel.BBox) bool {
	return geometryIntersectsBBox(geometry, bbox)
}

func walkCoordinates(node any, visit func(x, y float64)) {
	arr, ok := node.([]any)
	if !ok || len(arr) == 0 {
		return
	}
	if n1, ok := arr[0].(float64); ok {
		if len(arr) >= 2 {
			if n2, ok := arr[1].(float64); ok {
				visit(n1, n2)
				return
			}
		}
	}
	for _, child := range arr {
		walkCoordinates(child, visit)
	}
}
