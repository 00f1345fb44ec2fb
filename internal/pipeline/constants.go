package pipeline

// Default values for record ingestion and maintenance.
const (
	// DefaultSource is stored on records whose file entry names no source.
	DefaultSource = "import"

	// DefaultReportPrefix is the object prefix for archived maintenance reports.
	DefaultReportPrefix = "reports/maintenance"

	// ReportContentType is the content type of archived maintenance reports.
	ReportContentType = "application/json"

	// maxRecordsPerFile bounds a single record file.
	maxRecordsPerFile = 100000
)
