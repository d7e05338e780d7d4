// Package objectstore implements the Object-Store Backend (spec.md §4.4):
// GeoJSON converted to GeoParquet (columnar analytics) and PMTiles (tile
// serving), both uploaded to S3-compatible storage.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
)

// Config carries the S3 and tippecanoe settings from core/config.Config.
type Config struct {
	Bucket         string
	Endpoint       string
	ForcePathStyle bool
	TippecanoePath string
	MinZoom        int
	MaxZoom        int
}

// DefaultMinZoom/DefaultMaxZoom mirror the original tool's zoom defaults.
const (
	DefaultMinZoom = 0
	DefaultMaxZoom = 14
)

// Backend is an S3-backed implementation of storage.Backend.
type Backend struct {
	client *s3.Client
	cfg    Config
	zlog   *zerolog.Logger
}

// New builds an S3 client from the process's AWS config chain (env vars,
// shared config, IAM role), pointed at an optional custom endpoint for
// MinIO-compatible deployments.
func New(ctx context.Context, cfg Config, zlog *zerolog.Logger) (*Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", jobmodel.ErrConfiguration, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if cfg.MinZoom == 0 && cfg.MaxZoom == 0 {
		cfg.MinZoom, cfg.MaxZoom = DefaultMinZoom, DefaultMaxZoom
	}
	return &Backend{client: client, cfg: cfg, zlog: zlog}, nil
}

// StoreDataset uploads req.GeoJSONPath as a landing object, converts it to
// GeoParquet and PMTiles, uploads both, and deletes the landing object when
// it returns, whether or not the conversions succeeded.
func (b *Backend) StoreDataset(ctx context.Context, req storage.StoreRequest, cancel storage.CancelChecker, progress storage.ProgressFunc) (storage.StorageResult, error) {
	log := logger.FromContext(ctx, b.zlog)

	landingKey := fmt.Sprintf("landing/%s/data.geojson", firstNonEmpty(req.JobID, req.DatasetID))
	if err := b.upload(ctx, req.GeoJSONPath, landingKey, nil); err != nil {
		return storage.StorageResult{}, err
	}
	defer b.delete(ctx, landingKey)

	tmpDir, err := os.MkdirTemp("", "geocache-objstore-*")
	if err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: make temp dir: %v", jobmodel.ErrStorageFailure, err)
	}
	defer os.RemoveAll(tmpDir)

	parquetPath := filepath.Join(tmpDir, "data.parquet")
	parquetMeta, err := geojsonToGeoParquet(req.GeoJSONPath, parquetPath)
	if err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: convert to geoparquet: %v", jobmodel.ErrStorageFailure, err)
	}
	observability.ObserveStorageBatch("objectstore", parquetMeta.SizeBytes)
	if progress != nil {
		progress(parquetMeta.FeatureCount, req.TotalHint)
	}

	dataKey := fmt.Sprintf("datasets/%s/data.parquet", req.DatasetID)
	if err := b.upload(ctx, parquetPath, dataKey, map[string]string{
		"num_features": fmt.Sprintf("%d", parquetMeta.FeatureCount),
	}); err != nil {
		return storage.StorageResult{}, err
	}

	pmtilesPath := filepath.Join(tmpDir, "tiles.pmtiles")
	tilesMeta, err := generatePMTiles(ctx, b.zlog, b.cfg.TippecanoePath, req.GeoJSONPath, pmtilesPath, req.DatasetID, b.cfg.MinZoom, b.cfg.MaxZoom)
	if err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: generate pmtiles: %v", jobmodel.ErrStorageFailure, err)
	}

	tilesKey := fmt.Sprintf("datasets/%s/tiles.pmtiles", req.DatasetID)
	if err := b.upload(ctx, pmtilesPath, tilesKey, map[string]string{
		"min_zoom": fmt.Sprintf("%d", tilesMeta.MinZoom),
		"max_zoom": fmt.Sprintf("%d", tilesMeta.MaxZoom),
	}); err != nil {
		return storage.StorageResult{}, err
	}

	log.Info().
		Str("data_key", dataKey).
		Str("tiles_key", tilesKey).
		Int("features", parquetMeta.FeatureCount).
		Msg("stored dataset in object storage")

	return storage.StorageResult{
		Mode:           jobmodel.StorageModeColumnar,
		ObjectDataKey:  dataKey,
		ObjectTilesKey: tilesKey,
		FeatureCount:   parquetMeta.FeatureCount,
		SizeBytes:      parquetMeta.SizeBytes + tilesMeta.SizeBytes,
	}, nil
}

// RetrieveDataset downloads a dataset's GeoParquet object and converts it
// back to a temporary GeoJSON file, optionally filtered to a bbox.
func (b *Backend) RetrieveDataset(ctx context.Context, datasetID string, bbox *jobmodel.BBox) (string, error) {
	tmpDir, err := os.MkdirTemp("", "geocache-retrieve-*")
	if err != nil {
		return "", fmt.Errorf("%w: make temp dir: %v", jobmodel.ErrStorageFailure, err)
	}

	parquetPath := filepath.Join(tmpDir, "data.parquet")
	dataKey := fmt.Sprintf("datasets/%s/data.parquet", datasetID)
	if err := b.download(ctx, dataKey, parquetPath); err != nil {
		os.RemoveAll(tmpDir)
		return "", err
	}

	geojsonPath := filepath.Join(tmpDir, "data.geojson")
	if _, err := geoParquetToGeoJSON(parquetPath, geojsonPath, bbox); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("%w: convert to geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	return geojsonPath, nil
}

// UploadExport uploads a finished export artifact under key, exported so
// the Export Service can reuse this backend's S3 client instead of opening
// its own.
func (b *Backend) UploadExport(ctx context.Context, localPath, key string, metadata map[string]string) error {
	return b.upload(ctx, localPath, key, metadata)
}

func (b *Backend) upload(ctx context.Context, localPath, key string, metadata map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", jobmodel.ErrStorageFailure, localPath, err)
	}
	defer f.Close()

	stat, _ := f.Stat()
	var size int64
	if stat != nil {
		size = stat.Size()
	}

	uploader := manager.NewUploader(b.client)
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   &b.cfg.Bucket,
		Key:      &key,
		Body:     f,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("%w: upload s3://%s/%s: %v", jobmodel.ErrStorageFailure, b.cfg.Bucket, key, err)
	}
	logger.FromContext(ctx, b.zlog).Info().
		Str("key", key).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("uploaded object")
	return nil
}

func (b *Backend) download(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", jobmodel.ErrStorageFailure, localPath, err)
	}
	defer f.Close()

	downloader := manager.NewDownloader(b.client)
	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: &b.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("%w: download s3://%s/%s: %v", jobmodel.ErrStorageFailure, b.cfg.Bucket, key, err)
	}
	return nil
}

func (b *Backend) delete(ctx context.Context, key string) {
	_, _ = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.cfg.Bucket, Key: &key})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "unknown"
}

// tippecanoeBinary resolves the CLI path, defaulting to the PATH lookup.
func tippecanoeBinary(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path, err := exec.LookPath("tippecanoe")
	if err != nil {
		return "", fmt.Errorf("%w: tippecanoe not found on PATH", jobmodel.ErrConfiguration)
	}
	return path, nil
}
