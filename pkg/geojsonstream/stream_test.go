package geojsonstream

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriter_EmptyCollectionIsValid(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Close())

	fc, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, "FeatureCollection", fc.Type)
	require.Empty(t, fc.Features)
}

func TestWriter_OrderPreserved(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	f1 := json.RawMessage(`{"type":"Feature","properties":{"n":1}}`)
	f2 := json.RawMessage(`{"type":"Feature","properties":{"n":2}}`)
	require.NoError(t, w.WriteFeature(f1))
	require.NoError(t, w.WriteFeature(f2))
	require.NoError(t, w.Close())
	require.Equal(t, 2, w.FeaturesWritten())

	fc, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	var p1, p2 struct {
		Properties struct{ N int } `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(fc.Features[0], &p1))
	require.NoError(t, json.Unmarshal(fc.Features[1], &p2))
	require.Equal(t, 1, p1.Properties.N)
	require.Equal(t, 2, p2.Properties.N)
}

func TestDecodeFeatures_StreamsInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteFeature(json.RawMessage(`{"type":"Feature","properties":{}}`)))
	}
	require.NoError(t, w.Close())

	count := 0
	err := DecodeFeatures(bytes.NewReader(buf.Bytes()), func(json.RawMessage) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, count)
}
