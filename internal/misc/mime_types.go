package misc

// MimeTypes maps file name extensions to the media types accepted as
// inline data by the Gemini family of endpoints.
var MimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"heic": "image/heic",
	"heif": "image/heif",
	"bmp":  "image/bmp",
	"svg":  "image/svg+xml",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"flac": "audio/flac",
	"aac":  "audio/aac",
	"mp4":  "video/mp4",
	"mpeg": "video/mpeg",
	"mov":  "video/quicktime",
	"webm": "video/webm",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"csv":  "text/csv",
	"html": "text/html",
	"xml":  "text/xml",
	"json": "application/json",
	"yaml": "text/yaml",
	"yml":  "text/yaml",
	"js":   "text/javascript",
	"py":   "text/x-python",
	"go":   "text/x-go",
	"java": "text/x-java",
	"c":    "text/x-c",
	"cpp":  "text/x-c++",
	"rs":   "text/x-rust",
	"sh":   "text/x-shellscript",
}
