package digest

import (
	"path/filepath"
	"strings"
)

const DefaultMimeType = "application/octet-stream"

// read-only after init, shared by all workers
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".csv":  "text/csv",
	".html": "text/html",
	".json": "application/json",
	".xml":  "application/xml",
	".zip":  "application/zip",
	".rar":  "application/x-rar-compressed",
	".7z":   "application/x-7z-compressed",
	".gz":   "application/gzip",
}

// DetectMimeType maps the file extension to a MIME type. The content is never
// inspected.
func DetectMimeType(filename string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return m
	}

	return DefaultMimeType
}
