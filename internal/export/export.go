// Package export implements the Export Service (spec.md §4.9): format
// converters for a merged set of cached Datasets, an optional clip
// geometry, and an upload to the exports area of object storage.
package export

import (
	"context"
	"fmt"
	"os"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/objectstore"
)

// Config carries the external-tool and tiling settings the converters
// need, mirroring the Object-Store Backend's own Config (spec.md §6).
type Config struct {
	TippecanoePath string
	OgrPath        string
	MinZoom        int
	MaxZoom        int
}

// Result is what one format conversion produced.
type Result struct {
	Path      string
	SizeBytes int64
}

// Converter turns a merged GeoJSON file into one target format.
type Converter func(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error)

// Converters is the registry spec.md §4.9 requires at minimum: geojson,
// gpkg, shp, mbtiles, pmtiles, geoparquet, csv (WKT), kml, fgb.
var Converters = map[jobmodel.ExportFormat]Converter{
	jobmodel.ExportGeoJSON:    convertGeoJSON,
	jobmodel.ExportGeoPackage: convertViaOGR("GPKG"),
	jobmodel.ExportShapefile:  convertShapefile,
	jobmodel.ExportMBTiles:    convertTiles,
	jobmodel.ExportPMTiles:    convertTiles,
	jobmodel.ExportGeoParquet: convertGeoParquet,
	jobmodel.ExportCSVWKT:     convertCSV,
	jobmodel.ExportKML:        convertKML,
	jobmodel.ExportFlatGeobuf: convertViaOGR("FlatGeobuf"),
}

// Convert clips (if clip != nil), then converts, a merged GeoJSON file to
// the requested format.
func Convert(ctx context.Context, cfg Config, format jobmodel.ExportFormat, geoJSONPath, outPath string, clip *jobmodel.BBox) (Result, error) {
	conv, ok := Converters[format]
	if !ok {
		return Result{}, fmt.Errorf("%w: unsupported export format %q", jobmodel.ErrConfiguration, format)
	}

	src := geoJSONPath
	if clip != nil {
		clipped, err := os.CreateTemp("", "geocache-clip-*.geojson")
		if err != nil {
			return Result{}, fmt.Errorf("%w: create clip output: %v", jobmodel.ErrStorageFailure, err)
		}
		clipped.Close()
		defer os.Remove(clipped.Name())

		if _, err := ClipToBBox(geoJSONPath, clipped.Name(), *clip); err != nil {
			return Result{}, fmt.Errorf("clip export geometry: %w", err)
		}
		src = clipped.Name()
	}

	return conv(ctx, cfg, src, outPath)
}

func convertGeoJSON(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	data, err := os.ReadFile(geoJSONPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read source geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: write geojson export: %v", jobmodel.ErrStorageFailure, err)
	}
	return Result{Path: outPath, SizeBytes: int64(len(data))}, nil
}

func convertTiles(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	size, err := objectstore.GenerateTiles(ctx, nil, cfg.TippecanoePath, geoJSONPath, outPath, "export", cfg.MinZoom, cfg.MaxZoom)
	if err != nil {
		return Result{}, fmt.Errorf("%w: generate tiles: %v", jobmodel.ErrStorageFailure, err)
	}
	return Result{Path: outPath, SizeBytes: size}, nil
}

func convertGeoParquet(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
	_, size, err := objectstore.ConvertToGeoParquet(geoJSONPath, outPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: convert to geoparquet: %v", jobmodel.ErrStorageFailure, err)
	}
	return Result{Path: outPath, SizeBytes: size}, nil
}
