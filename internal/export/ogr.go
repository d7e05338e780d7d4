package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// convertViaOGR shells out to GDAL's ogr2ogr for formats this pack has no
// pure-Go writer for (GeoPackage, FlatGeobuf): both are GDAL driver names,
// and ogr2ogr reads GeoJSON natively.
func convertViaOGR(driver string) Converter {
	return func(ctx context.Context, cfg Config, geoJSONPath, outPath string) (Result, error) {
		bin, err := ogrBinary(cfg.OgrPath)
		if err != nil {
			return Result{}, err
		}

		cmd := exec.CommandContext(ctx, bin, "-f", driver, outPath, geoJSONPath)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return Result{}, fmt.Errorf("%w: ogr2ogr %s conversion failed: %v: %s", jobmodel.ErrStorageFailure, driver, err, stderr.String())
		}

		stat, err := os.Stat(outPath)
		if err != nil {
			return Result{}, fmt.Errorf("%w: stat %s output: %v", jobmodel.ErrStorageFailure, driver, err)
		}
		return Result{Path: outPath, SizeBytes: stat.Size()}, nil
	}
}

func ogrBinary(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path, err := exec.LookPath("ogr2ogr")
	if err != nil {
		return "", fmt.Errorf("%w: ogr2ogr not found on PATH", jobmodel.ErrConfiguration)
	}
	return path, nil
}
