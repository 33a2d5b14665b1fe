package mount

import (
	"mime"
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

var defaultMimeTypes = map[string]string{
	"7z":    "application/x-7z-compressed",
	"atom":  "application/atom+xml",
	"avif":  "image/avif",
	"bin":   "application/octet-stream",
	"bmp":   "image/x-ms-bmp",
	"css":   "text/css; charset=utf-8",
	"csv":   "text/csv; charset=utf-8",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html; charset=utf-8",
	"html":  "text/html; charset=utf-8",
	"ico":   "image/x-icon",
	"jar":   "application/java-archive",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"js":    "text/javascript; charset=utf-8",
	"json":  "application/json",
	"m4a":   "audio/x-m4a",
	"map":   "application/json",
	"md":    "text/markdown; charset=utf-8",
	"mjs":   "text/javascript; charset=utf-8",
	"mov":   "video/quicktime",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mpeg":  "video/mpeg",
	"otf":   "font/otf",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"rss":   "application/rss+xml",
	"svg":   "image/svg+xml",
	"tar":   "application/x-tar",
	"ttf":   "font/ttf",
	"txt":   "text/plain; charset=utf-8",
	"wasm":  "application/wasm",
	"wav":   "audio/wav",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "text/xml; charset=utf-8",
	"zip":   "application/zip",
}

// mimeTable maps lower-case extensions without the dot to content types.
type mimeTable map[string]string

func newMimeTable(overrides map[string]string) mimeTable {
	t := make(mimeTable, len(defaultMimeTypes)+len(overrides))
	for ext, typ := range defaultMimeTypes {
		t[ext] = typ
	}

	for ext, typ := range overrides {
		t[strings.ToLower(strings.TrimPrefix(ext, "."))] = typ
	}

	return t
}

// lookup returns the content type for a file name.
func (t mimeTable) lookup(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return defaultContentType
	}

	if typ, ok := t[strings.ToLower(ext[1:])]; ok {
		return typ
	}

	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}

	return defaultContentType
}
