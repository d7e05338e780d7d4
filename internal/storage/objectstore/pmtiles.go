package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/rs/zerolog"
)

type pmtilesMeta struct {
	SizeBytes int64
	MinZoom   int
	MaxZoom   int
}

// generatePMTiles shells out to the tippecanoe CLI, reproducing the flags
// the original generator used: WGS84 projection/bounds, auto-simplify
// under density pressure, no feature limit, zoom extension on drop.
func generatePMTiles(ctx context.Context, zlog *zerolog.Logger, tippecanoePath, geoJSONPath, pmtilesPath, layerName string, minZoom, maxZoom int) (pmtilesMeta, error) {
	bin, err := tippecanoeBinary(tippecanoePath)
	if err != nil {
		return pmtilesMeta{}, err
	}
	if _, err := os.Stat(geoJSONPath); err != nil {
		return pmtilesMeta{}, fmt.Errorf("geojson source not found: %w", err)
	}

	args := []string{
		"--output", pmtilesPath,
		"--force",
		"--minimum-zoom", strconv.Itoa(minZoom),
		"--maximum-zoom", strconv.Itoa(maxZoom),
		"--layer", layerName,
		"--simplification", "10",
		"--buffer", "64",
		"--projection=EPSG:4326",
		"--no-feature-limit",
		"--drop-densest-as-needed",
		"--extend-zooms-if-still-dropping",
		geoJSONPath,
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if zlog != nil {
		zlog.Debug().Strs("args", args).Msg("running tippecanoe")
	}

	if err := cmd.Run(); err != nil {
		return pmtilesMeta{}, fmt.Errorf("tippecanoe failed: %w: %s", err, stderr.String())
	}

	stat, err := os.Stat(pmtilesPath)
	if err != nil {
		return pmtilesMeta{}, fmt.Errorf("stat pmtiles output: %w", err)
	}
	return pmtilesMeta{SizeBytes: stat.Size(), MinZoom: minZoom, MaxZoom: maxZoom}, nil
}

// GenerateTiles is generatePMTiles exported for reuse by the Export
// Service (spec.md §4.9's mbtiles/pmtiles converters): tippecanoe infers
// the output tile format from outPath's extension, so the same call
// produces either.
func GenerateTiles(ctx context.Context, zlog *zerolog.Logger, tippecanoePath, geoJSONPath, outPath, layerName string, minZoom, maxZoom int) (int64, error) {
	meta, err := generatePMTiles(ctx, zlog, tippecanoePath, geoJSONPath, outPath, layerName, minZoom, maxZoom)
	if err != nil {
		return 0, err
	}
	return meta.SizeBytes, nil
}
