package validate

const (
	MaxTitleLen       = 255
	MaxDescriptionLen = 4096
	MaxFilenameLen    = 255
)

// AllowedContentTypes are the upload MIME types accepted by the API.
var AllowedContentTypes = map[string]bool{
	// images
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,

	// documents
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,

	// text
	"text/plain":       true,
	"text/csv":         true,
	"text/html":        true,
	"application/json": true,
	"application/xml":  true,

	// archives
	"application/zip":              true,
	"application/x-rar-compressed": true,
	"application/x-7z-compressed":  true,
	"application/gzip":             true,
}
