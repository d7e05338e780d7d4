package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

func TestGeometryIntersectsBBox_PointInside(t *testing.T) {
	geom := []byte(`{"type":"Point","coordinates":[10,20]}`)
	bbox := jobmodel.BBox{MinX: 0, MinY: 0, MaxX: 30, MaxY: 30}
	assert.True(t, geometryIntersectsBBox(geom, bbox))
}

func TestGeometryIntersectsBBox_PointOutside(t *testing.T) {
	geom := []byte(`{"type":"Point","coordinates":[100,100]}`)
	bbox := jobmodel.BBox{MinX: 0, MinY: 0, MaxX: 30, MaxY: 30}
	assert.False(t, geometryIntersectsBBox(geom, bbox))
}

func TestGeometryIntersectsBBox_PolygonPartialOverlap(t *testing.T) {
	geom := []byte(`{"type":"Polygon","coordinates":[[[5,5],[50,5],[50,50],[5,50],[5,5]]]}`)
	bbox := jobmodel.BBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	assert.True(t, geometryIntersectsBBox(geom, bbox))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", firstNonEmpty("", "a", "b"))
	assert.Equal(t, "unknown", firstNonEmpty("", ""))
}
