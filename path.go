package dal

import (
	"path"
	"strings"
)

// NormalizePath turns a caller supplied path into the canonical form every
// Accessor receives: POSIX separators, relative to the root, no leading "/".
// A trailing "/" is kept and marks a directory. The root itself is "/".
//
// Paths that escape the root through ".." are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	isDir := strings.HasSuffix(p, "/")

	depth := 0
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", Errorf(KindInvalidInput, "normalize", p, "path escapes root")
			}
		default:
			depth++
		}
	}

	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "/", nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if isDir {
		cleaned += "/"
	}
	return cleaned, nil
}

// NormalizeRoot returns root in the form "/a/b/". An empty root is "/".
func NormalizeRoot(root string) string {
	root = strings.ReplaceAll(root, "\\", "/")
	root = path.Clean("/" + root)
	if root == "/" {
		return root
	}
	return root + "/"
}

// IsDirPath reports whether p names a directory by convention.
func IsDirPath(p string) bool {
	return p == "/" || strings.HasSuffix(p, "/")
}

// BuildAbsPath joins a normalised root and path into a key without the
// leading "/". It is the form object stores use.
func BuildAbsPath(root, p string) string {
	root = strings.TrimPrefix(root, "/")
	if p == "/" || p == "" {
		return root
	}
	return root + p
}

// BuildRelPath strips root from an absolute key produced by BuildAbsPath.
func BuildRelPath(root, key string) string {
	rel := strings.TrimPrefix(key, strings.TrimPrefix(root, "/"))
	if rel == "" {
		return "/"
	}
	return rel
}

// ParentDir returns the directory containing p, with a trailing "/".
func ParentDir(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	trimmed := strings.TrimSuffix(p, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "/"
	}
	return trimmed[:i+1]
}

// BaseName is the last element of p. Directories keep their trailing "/".
func BaseName(p string) string {
	if p == "/" {
		return "/"
	}
	trimmed := strings.TrimSuffix(p, "/")
	name := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if strings.HasSuffix(p, "/") {
		return name + "/"
	}
	return name
}
