package remote

import (
	"path"
	"strings"
)

var languages = map[string]string{
	"py":    "python",
	"js":    "javascript",
	"java":  "java",
	"cpp":   "cpp",
	"c":     "c",
	"rb":    "ruby",
	"php":   "php",
	"cs":    "csharp",
	"go":    "go",
	"kt":    "kotlin",
	"swift": "swift",
}

// DetectLanguage maps a file path to a Piston language by extension.
// It returns "" for unknown extensions.
func DetectLanguage(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	return languages[strings.ToLower(ext)]
}
