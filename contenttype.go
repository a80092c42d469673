package dal

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// DefaultContentType is reported when nothing better is known.
const DefaultContentType = "application/octet-stream"

// extensionToMIME covers types that mime.TypeByExtension gets wrong or
// misses on minimal systems.
var extensionToMIME = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".js":   "text/javascript",
	".gz":   "application/gzip",
	".tar":  "application/x-tar",
	".zip":  "application/zip",
	".pdf":  "application/pdf",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".wasm": "application/wasm",
}

// GuessContentType determines a content type from the file extension,
// then from the leading bytes of data.
func GuessContentType(p string, data []byte) string {
	ext := strings.ToLower(path.Ext(p))
	if ct, ok := extensionToMIME[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return DefaultContentType
}
