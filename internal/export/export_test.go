package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

const sampleFeatureCollection = `{"type":"FeatureCollection","features":[
{"type":"Feature","geometry":{"type":"Point","coordinates":[10,20]},"properties":{"name":"a"}},
{"type":"Feature","geometry":{"type":"Point","coordinates":[30,40]},"properties":{"name":"b"}}
]}`

func writeSample(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "in.geojson")
	require.NoError(t, os.WriteFile(path, []byte(sampleFeatureCollection), 0o644))
	return path
}

func TestConvertGeoJSON_CopiesFile(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "out.geojson")

	res, err := convertGeoJSON(context.Background(), Config{}, src, out)
	require.NoError(t, err)
	assert.Equal(t, out, res.Path)
	assert.Greater(t, res.SizeBytes, int64(0))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, sampleFeatureCollection, string(data))
}

func TestConvertCSV_WritesWKTAndProperties(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "out.csv")

	_, err := convertCSV(context.Background(), Config{}, src, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "wkt,properties")
	assert.Contains(t, s, "POINT(10 20)")
	assert.Contains(t, s, "POINT(30 40)")
}

func TestConvertKML_WritesPlacemarks(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "out.kml")

	_, err := convertKML(context.Background(), Config{}, src, out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "<Placemark>")
	assert.Contains(t, s, "<name>a</name>")
	assert.Contains(t, s, "<Point><coordinates>10,20</coordinates></Point>")
}

func TestGeometryToWKT_Polygon(t *testing.T) {
	raw := json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`)
	wkt, err := geometryToWKT(raw)
	require.NoError(t, err)
	assert.Equal(t, "POLYGON((0 0,1 0,1 1,0 0))", wkt)
}

func TestGeometryToWKT_UnsupportedType(t *testing.T) {
	raw := json.RawMessage(`{"type":"GeometryCollection","geometries":[]}`)
	_, err := geometryToWKT(raw)
	assert.ErrorIs(t, err, jobmodel.ErrConfiguration)
}

func TestClipToBBox_DropsOutsideFeatures(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "clipped.geojson")

	count, err := ClipToBBox(src, out, jobmodel.BBox{MinX: 0, MinY: 0, MaxX: 15, MaxY: 25})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"coordinates":[10,20]`)
	assert.NotContains(t, string(data), `"coordinates":[30,40]`)
}

func TestConvert_UnknownFormat(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "out.unknown")

	_, err := Convert(context.Background(), Config{}, jobmodel.ExportFormat("bogus"), src, out, nil)
	assert.ErrorIs(t, err, jobmodel.ErrConfiguration)
}

func TestShpTypeFor(t *testing.T) {
	assert.Equal(t, shp.POINT, shpTypeFor("Point"))
	assert.Equal(t, shp.POLYLINE, shpTypeFor("MultiLineString"))
	assert.Equal(t, shp.POLYGON, shpTypeFor("MultiPolygon"))
	assert.Equal(t, shp.NULL, shpTypeFor("GeometryCollection"))
}

func TestConvertShapefile_WritesPointShapes(t *testing.T) {
	dir := t.TempDir()
	src := writeSample(t, dir)
	out := filepath.Join(dir, "out.shp")

	res, err := convertShapefile(context.Background(), Config{}, src, out)
	require.NoError(t, err)
	assert.Equal(t, out, res.Path)

	_, statErr := os.Stat(out)
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dir, "out.dbf"))
	assert.NoError(t, statErr)
}
