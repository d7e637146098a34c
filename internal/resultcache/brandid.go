package resultcache

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IDSuffix is appended to every derived brand identifier.
const IDSuffix = "brandplot"

var brandIDPattern = regexp.MustCompile(`^[a-z0-9]+-` + IDSuffix + `$`)

// BrandID derives a storage-safe identifier from a brand display name.
func BrandID(name string) string {
	return BrandIDAt(name, time.Now())
}

// BrandIDAt lower-cases name and keeps only ASCII letters and digits. When
// nothing survives, the unix millisecond time stands in for the slug.
func BrandIDAt(name string, now time.Time) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(name) + len(IDSuffix) + 1)
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	}
	b.WriteByte('-')
	b.WriteString(IDSuffix)
	return b.String()
}

// ValidBrandID reports whether id has the shape BrandID produces.
func ValidBrandID(id string) bool {
	return len(id) <= 128 && brandIDPattern.MatchString(id)
}
