package hierarchy

import "strings"

// TrimEditorSuffix strips a trailing "/create" or "/edit" segment from a
// view path. Editor views live one segment below the entity they edit, so
// outbound URLs are built from the trimmed path.
func TrimEditorSuffix(path string) string {
	path = strings.TrimRight(path, "/")
	for _, suffix := range []string{"/create", "/edit"} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}
