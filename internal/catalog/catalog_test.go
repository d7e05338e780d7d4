package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

func TestJobTable(t *testing.T) {
	cases := []struct {
		kind jobmodel.JobKind
		want string
	}{
		{jobmodel.JobCrawl, "crawl_jobs"},
		{jobmodel.JobDownload, "download_jobs"},
		{jobmodel.JobExport, "export_jobs"},
	}
	for _, c := range cases {
		table, err := jobTable(c.kind)
		assert.NoError(t, err)
		assert.Equal(t, c.want, table)
	}
}

func TestJobTable_Unknown(t *testing.T) {
	_, err := jobTable(jobmodel.JobKind("bogus"))
	assert.ErrorIs(t, err, jobmodel.ErrPolicyViolation)
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	got := nullIfEmpty("x")
	assert.NotNil(t, got)
	assert.Equal(t, "x", *got)
}

func TestSecondsToDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, secondsToDuration(90))
	assert.Equal(t, time.Duration(0), secondsToDuration(0))
}
