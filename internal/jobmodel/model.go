package jobmodel

import "time"

// ProviderKind is the remote catalog protocol a Server speaks.
type ProviderKind string

const (
	ProviderArcGIS         ProviderKind = "arcgis"
	ProviderWFS            ProviderKind = "wfs"
	ProviderWCS            ProviderKind = "wcs"
	ProviderCKAN           ProviderKind = "ckan"
	ProviderOpenDataSoft   ProviderKind = "opendatasoft"
	ProviderS3Listing      ProviderKind = "s3listing"
	ProviderAtom           ProviderKind = "atom"
	ProviderDirect         ProviderKind = "direct"
	ProviderGEE            ProviderKind = "gee"
)

// HealthStatus is a Server's rolled-up reachability state.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthUnknown  HealthStatus = "unknown"
)

// Capabilities is the probed capability blob for a Server (spec.md §3/§4.2).
type Capabilities struct {
	MaxFeaturesPerRequest int
	SupportsPagination    bool
	SupportsOIDQuery      bool
	OIDFieldName          string
	OutputFormats         []string
}

// DefaultCapabilities are returned when a probe fails (scenario 2 in spec.md §8).
func DefaultCapabilities() Capabilities {
	return Capabilities{
		MaxFeaturesPerRequest: 1000,
		SupportsPagination:    true,
		SupportsOIDQuery:      true,
		OIDFieldName:          "OBJECTID",
		OutputFormats:         []string{"geojson"},
	}
}

// ConnectionInfo is a per-server opaque connection blob, including an
// optional proxy override consulted by the Proxy Manager at priority 1000.
type ConnectionInfo struct {
	AuthBlob    map[string]string
	ProxyURL    string
	CountryHint string // comma-separated ISO country codes
}

// Server is a registered remote catalog endpoint.
type Server struct {
	ID           string
	Name         string
	BaseURL      string
	Provider     ProviderKind
	Auth         map[string]string
	Capabilities Capabilities
	Health       HealthStatus
	CrawlCadence time.Duration
	RateLimit    RateLimit
	Connection   ConnectionInfo
	CountryHint  string
	Discovered   int
	Active       int
}

// RateLimit is an opaque per-server rate-limit blob; adapters interpret it.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// BBox is an EPSG:4326 bounding box (I5: always stored in 4326).
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// GeometryKind is a normalized (provider-prefix-stripped) geometry type.
type GeometryKind string

const (
	GeometryPoint      GeometryKind = "Point"
	GeometryMultiPoint GeometryKind = "MultiPoint"
	GeometryLineString GeometryKind = "LineString"
	GeometryPolygon    GeometryKind = "Polygon"
	GeometryUnknown    GeometryKind = "Unknown"
)

// DownloadStrategy is the chosen bulk-fetch strategy for a Dataset.
type DownloadStrategy string

const (
	StrategySimple      DownloadStrategy = "simple"
	StrategyPaged       DownloadStrategy = "paged"
	StrategyChunked     DownloadStrategy = "chunked"
	StrategyDistributed DownloadStrategy = "distributed"
)

// StorageMode is which backend(s) hold a Dataset's cached features (I2/I6).
type StorageMode string

const (
	StorageModeSpatialDB StorageMode = "spatialdb"
	StorageModeColumnar  StorageMode = "columnar"
	StorageModeHybrid    StorageMode = "hybrid"
)

// EnrichedMetadata is provider-sourced descriptive detail beyond name/bbox.
type EnrichedMetadata struct {
	ServiceItemID    string
	GeometryKind     GeometryKind
	SourceCRS        string // e.g. "EPSG:2263" or a raw WKID
	UpstreamPageSize int
	LastEditDate     *time.Time
}

// ChangeDetectionState is the subset of Dataset fields the Change Detector
// reads and writes.
type ChangeDetectionState struct {
	CachedETag         string
	CachedLastModified *time.Time
	SourceUpdatedAt    *time.Time
	LastChangeCheck    *time.Time
	ChangePending      bool
}

// CacheState is the subset of Dataset fields recording where/whether a
// Dataset is cached.
type CacheState struct {
	IsCached       bool
	CachedAt       *time.Time
	CacheTable     string
	ObjectDataKey  string
	ObjectTilesKey string
	StorageMode    StorageMode
	TileBuilt      bool
	TileSizeBytes  int64
	SizeBytes      int64
}

// Dataset is a single normalized layer/table hosted on a remote Server.
type Dataset struct {
	ID          string
	ServerID    string
	ExternalID  string
	Name        string
	Description string
	Keywords    []string
	Themes      []string
	BBox        *BBox
	FeatureCount *int
	AccessURL   string
	Metadata    EnrichedMetadata
	Change      ChangeDetectionState
	Cache       CacheState
	Strategy    DownloadStrategy
	License     string
	Attribution string
	Active      bool

	// SourceMetadata is an opaque pass-through of the raw provider JSON
	// blob for debugging (spec.md §9 "dynamic-typed source metadata").
	SourceMetadata map[string]any
}

// DatasetKey identifies a Dataset for upsert-by-(server, access URL)
// (spec.md §4.8 crawl orchestration).
type DatasetKey struct {
	ServerID  string
	AccessURL string
}

// JobKind distinguishes the three job specializations.
type JobKind string

const (
	JobCrawl    JobKind = "crawl"
	JobDownload JobKind = "download"
	JobExport   JobKind = "export"
)

// JobStatus is the shared job state machine (spec.md §4.8 state diagram).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is a sink state of the job machine.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobBase is embedded by every job specialization.
type JobBase struct {
	ID           string
	Kind         JobKind
	Status       JobStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
	RetryCount   int
	WorkerTaskID string
}

// CrawlStage labels current-stage progress of a CrawlJob.
type CrawlStage string

const (
	CrawlStageDiscovering CrawlStage = "discovering"
	CrawlStageProcessing  CrawlStage = "processing"
	CrawlStageFinalizing  CrawlStage = "finalizing"
	CrawlStageComplete    CrawlStage = "complete"
)

// CrawlJob discovers/updates Datasets for one Server.
type CrawlJob struct {
	JobBase
	ServerID          string
	TotalServices     int
	ServicesProcessed int
	DatasetsDiscovered int
	DatasetsNew       int
	DatasetsUpdated   int
	Stage             CrawlStage
}

// DownloadStage labels current-stage progress of a DownloadJob
// (spec.md §4.7: routing → downloading → storing → indexing → complete).
type DownloadStage string

const (
	DownloadStageRouting     DownloadStage = "routing"
	DownloadStageDownloading DownloadStage = "downloading"
	DownloadStageStoring     DownloadStage = "storing"
	DownloadStageIndexing    DownloadStage = "indexing"
	DownloadStageComplete    DownloadStage = "complete"
)

// DownloadJob bulk-fetches one Dataset into the cache.
type DownloadJob struct {
	JobBase
	DatasetID         string
	Strategy          DownloadStrategy
	TotalChunks       int
	ChunksCompleted   int
	FeaturesDownloaded int
	FeaturesTotal     int
	Stage             DownloadStage
	OutputPath        string
}

// ExportFormat is a requested wire format for an ExportJob.
type ExportFormat string

const (
	ExportGeoJSON   ExportFormat = "geojson"
	ExportGeoPackage ExportFormat = "gpkg"
	ExportShapefile ExportFormat = "shp"
	ExportMBTiles   ExportFormat = "mbtiles"
	ExportPMTiles   ExportFormat = "pmtiles"
	ExportGeoParquet ExportFormat = "geoparquet"
	ExportCSVWKT    ExportFormat = "csv"
	ExportKML       ExportFormat = "kml"
	ExportFlatGeobuf ExportFormat = "fgb"
)

// ExportJob assembles one-or-many cached Datasets into a requested format.
type ExportJob struct {
	JobBase
	DatasetIDs  []string
	Format      ExportFormat
	ClipPolygon *BBox // clip geometry; a bbox is sufficient for the core's non-GIS scope
	ExpiresAt   time.Time
	OutputKey   string
	Params      map[string]string
	UserID      string
}

// ChunkStrategy is how a DownloadChunk's parameters are interpreted.
type ChunkStrategy string

const (
	ChunkOIDRange    ChunkStrategy = "oid_range"
	ChunkOffset      ChunkStrategy = "offset"
	ChunkSpatialGrid ChunkStrategy = "spatial_grid"
)

// DownloadChunk is one partition of a chunked/distributed download.
type DownloadChunk struct {
	JobID        string
	Ordinal      int
	Strategy     ChunkStrategy
	Params       map[string]any
	Status       JobStatus
	OutputPath   string
	FeatureCount int
	SizeBytes    int64
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
}

// ChangeCheckMethod is which signal a ChangeCheck used.
type ChangeCheckMethod string

const (
	MethodETag             ChangeCheckMethod = "etag"
	MethodLastModified     ChangeCheckMethod = "last_modified"
	MethodProviderEditDate ChangeCheckMethod = "arcgis_edit_date"
	MethodWFSUpdateSeq     ChangeCheckMethod = "wfs_update_sequence"
	MethodCKANModified     ChangeCheckMethod = "ckan_metadata_modified"
	MethodFeatureCount     ChangeCheckMethod = "feature_count"
	MethodSampleChecksum   ChangeCheckMethod = "sample_checksum"
	MethodMetadataHash     ChangeCheckMethod = "metadata_hash"
)

// ChangeCheck is one recorded change-detection probe.
type ChangeCheck struct {
	DatasetID        string
	ProbedAt         time.Time
	Method           ChangeCheckMethod
	Changed          bool
	Conclusive       bool
	ElapsedMS        int64
	TriggeredDownload bool
	Details          map[string]string
	Error            string
}

// Theme is a node in the closed theme vocabulary tree.
type Theme struct {
	Code        string
	DisplayName string
	Description string
	Aliases     []string
	ParentCode  string
}
