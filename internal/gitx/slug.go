package gitx

import "strings"

const maxSlugLen = 50

// Slugify lowercases s and replaces runs of non-alphanumerics with a
// single hyphen, trimmed to a branch-safe length.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "job"
	}
	return slug
}

// BranchName builds "<prefix>/<slug>" from a job type prefix and title.
func BranchName(prefix, title string) string {
	return prefix + "/" + Slugify(title)
}
