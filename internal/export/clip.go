package export

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/objectstore"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// ClipToBBox writes only the features of geoJSONPath whose geometry
// intersects bbox to outPath, reusing the Object-Store Backend's
// bounding-box pre-filter rather than re-implementing geometry math here.
// Like RetrieveDataset's bbox filter, this is a coarse bbox-vs-bbox test,
// not a true polygon clip; spec.md §4.9 asks for clipping to an export
// region, not sub-feature geometry truncation.
func ClipToBBox(geoJSONPath, outPath string, bbox jobmodel.BBox) (int, error) {
	in, err := os.Open(geoJSONPath)
	if err != nil {
		return 0, fmt.Errorf("%w: open source geojson for clip: %v", jobmodel.ErrStorageFailure, err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("%w: create clipped geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	defer out.Close()

	writer := geojsonstream.NewWriter(out)
	defer writer.Close()

	count := 0
	err = geojsonstream.DecodeFeatures(in, func(raw json.RawMessage) error {
		var feature struct {
			Geometry json.RawMessage `json:"geometry"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return err
		}
		if !objectstore.GeometryIntersectsBBox(feature.Geometry, bbox) {
			return nil
		}
		if err := writer.WriteFeature(raw); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("%w: stream clip features: %v", jobmodel.ErrStorageFailure, err)
	}
	return count, nil
}
