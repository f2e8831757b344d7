package sparse

import (
	"regexp"
	"strconv"
)

// annexKeySizePattern extracts the size token from a git-annex key.
// Example: SHA256E-s12345678--abc123.nii.gz -> 12345678
var annexKeySizePattern = regexp.MustCompile(`-s(\d+)--`)

// ParseAnnexKeySize extracts the byte size embedded in an annex key or in a
// symlink target / pointer-file body containing one
func ParseAnnexKeySize(key string) (int64, bool) {
	m := annexKeySizePattern.FindStringSubmatch(key)
	if m == nil {
		return 0, false
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}
