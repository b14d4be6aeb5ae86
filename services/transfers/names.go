package transfers

import (
	"path"
	"strconv"
	"strings"
	"unicode"
)

const fallbackName = "attachment"

// sanitizeName reduces an attachment name to a single safe path element.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)

	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune(`<>:"|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimRight(strings.TrimSpace(name), " .")

	if name == "" || name == "/" {
		return fallbackName
	}
	return name
}

// nameSet hands out unique file names within one download directory.
// Comparison ignores case so results are stable on case-insensitive filesystems.
type nameSet map[string]struct{}

func newNameSet(reserved ...string) nameSet {
	s := nameSet{}
	for _, r := range reserved {
		s[strings.ToLower(r)] = struct{}{}
	}
	return s
}

func (s nameSet) claim(name string) string {
	name = sanitizeName(name)
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	for i := 1; ; i++ {
		if _, taken := s[strings.ToLower(candidate)]; !taken {
			s[strings.ToLower(candidate)] = struct{}{}
			return candidate
		}
		candidate = stem + "-" + strconv.Itoa(i) + ext
	}
}
