package arcgis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
)

func TestSplitOIDRange_EvenDivision(t *testing.T) {
	chunks := splitOIDRange(1, 100, 4)
	assert.Len(t, chunks, 4)
	assert.Equal(t, [2]int{1, 25}, chunks[0])
	assert.Equal(t, [2]int{76, 100}, chunks[3])
}

func TestSplitOIDRange_FewerIDsThanWorkers(t *testing.T) {
	chunks := splitOIDRange(1, 2, 8)
	assert.NotEmpty(t, chunks)
	assert.Equal(t, 2, chunks[len(chunks)-1][1])
}

func TestOIDFieldName_FindsOIDType(t *testing.T) {
	layerInfo := map[string]any{
		"fields": []any{
			map[string]any{"name": "Shape", "type": "esriFieldTypeGeometry"},
			map[string]any{"name": "FID", "type": "esriFieldTypeOID"},
		},
	}
	assert.Equal(t, "FID", oidFieldName(layerInfo))
}

func TestOIDFieldName_DefaultsToObjectID(t *testing.T) {
	assert.Equal(t, "OBJECTID", oidFieldName(map[string]any{}))
}

func TestWhereClause_DefaultsToAll(t *testing.T) {
	assert.Equal(t, "1=1", whereClause(nil))
	assert.Equal(t, "1=1", whereClause(&adapter.Filter{}))
	assert.Equal(t, "STATUS='A'", whereClause(&adapter.Filter{Where: "STATUS='A'"}))
}

func TestParseEditDate_FromEditingInfo(t *testing.T) {
	ms := float64(1700000000000)
	layerInfo := map[string]any{
		"editingInfo": map[string]any{"lastEditDate": ms},
	}
	got := parseEditDate(layerInfo)
	want := time.UnixMilli(int64(ms))
	assert.NotNil(t, got)
	assert.True(t, got.Equal(want))
}

func TestParseEditDate_MissingIsNil(t *testing.T) {
	assert.Nil(t, parseEditDate(map[string]any{}))
}

func TestExtractMetadata_BBoxAndGeometryType(t *testing.T) {
	layerInfo := map[string]any{
		"id":            float64(3),
		"name":          "Parks",
		"description":   "city parks and green space",
		"geometryType":  "esriGeometryPolygon",
		"copyrightText": "City GIS",
		"extent": map[string]any{
			"xmin": -74.1, "ymin": 40.5, "xmax": -73.9, "ymax": 40.9,
			"spatialReference": map[string]any{"wkid": float64(4326)},
		},
	}
	ds := extractMetadata(layerInfo, "https://example.com/FeatureServer/3", "Recreation", "svc-1", nil)

	assert.Equal(t, "3", ds.ExternalID)
	assert.Equal(t, "Recreation - Parks", ds.Name)
	assert.Equal(t, "City GIS", ds.Attribution)
	assert.Equal(t, "svc-1", ds.Metadata.ServiceItemID)
	assert.Equal(t, "EPSG:4326", ds.Metadata.SourceCRS)
	assert.NotNil(t, ds.BBox)
	assert.Equal(t, -74.1, ds.BBox.MinX)
	assert.Contains(t, ds.Themes, "natural_environment")
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
