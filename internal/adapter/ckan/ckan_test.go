package ckan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "csv", firstNonEmpty("", "csv", "json"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestProbeCapabilities_DisablesPagingAndOID(t *testing.T) {
	a := New(nil, nil, nil)
	caps, err := a.ProbeCapabilities(context.Background(), jobmodel.Server{BaseURL: "https://data.example.org"})
	assert.NoError(t, err)
	assert.False(t, caps.SupportsPagination)
	assert.False(t, caps.SupportsOIDQuery)
	assert.Empty(t, caps.OIDFieldName)
}
