package pollcat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// safeName is the only shape of name ever interpolated into a privileged command.
var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName rejects anything that is not a plain account, group or visit name.
func ValidateName(name string) error {
	if !safeName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// VisitID is a visit identifier as the catalogue records it, e.g. "MT8618-8".
type VisitID string

// GroupName is the normalized form used as the directory and OS group name:
// lower case with hyphens replaced by underscores.
func (v VisitID) GroupName() string {
	return strings.ReplaceAll(strings.ToLower(string(v)), "-", "_")
}

func (v VisitID) String() string { return string(v) }

// AccountName builds a directory account name from a prefix and a numeric id,
// zero-padding the id so the whole name is eight characters long.
//
//	AccountName("fac", 58) == "fac00058"
func AccountName(prefix string, id int64) string {
	width := 8 - len(prefix)
	if width < 1 {
		width = 1
	}
	return fmt.Sprintf("%s%0*d", prefix, width, id)
}

// Chunks splits ids into comma separated lists of at most n ids each.
//
//	Chunks([]int64{1, 2, 3, 4, 5}, 2) == []string{"1,2", "3,4", "5"}
func Chunks(ids []int64, n int) []string {
	if n <= 0 {
		n = len(ids)
	}
	var out []string
	for i := 0; i < len(ids); i += n {
		end := min(i+n, len(ids))
		parts := make([]string, 0, end-i)
		for _, id := range ids[i:end] {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		out = append(out, strings.Join(parts, ","))
	}
	return out
}
