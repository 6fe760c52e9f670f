package scheduler

import (
	"fmt"
	"strings"
)

// ParseMembers extracts the member list of group from `bugroup -w` output.
//
// The group's line starts with its name, followed by member tokens and then
// the administrator column, which opens with a "(" token. Members may carry a
// trailing "/" marking a subgroup.
//
//	GROUP_NAME     USERS                   GROUP_ADMIN
//	diag_mt8618_8  fac00012 fac00058       ( )
func ParseMembers(group, output string) ([]string, error) {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != group {
			continue
		}

		members := []string{}
		for _, tok := range fields[1:] {
			if strings.HasPrefix(tok, "(") {
				break
			}
			if m := strings.TrimSuffix(tok, "/"); m != "" {
				members = append(members, m)
			}
		}
		return members, nil
	}
	return nil, fmt.Errorf("group %s not found in bugroup output", group)
}
