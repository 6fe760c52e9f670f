package scheduler

import (
	"slices"
	"testing"
)

func TestParseMembers(t *testing.T) {
	tests := []struct {
		name    string
		group   string
		output  string
		want    []string
		wantErr bool
	}{
		{
			name:   "header and one group",
			group:  "diag_mt8618_8",
			output: "GROUP_NAME     USERS                GROUP_ADMIN\ndiag_mt8618_8  fac00012 fac00058     ( )\n",
			want:   []string{"fac00012", "fac00058"},
		},
		{
			name:   "admin column with names",
			group:  "diag_x",
			output: "GROUP_NAME  USERS  GROUP_ADMIN\ndiag_x  fac00001  (lsfadmin)\n",
			want:   []string{"fac00001"},
		},
		{
			name:   "no admin column",
			group:  "diag_x",
			output: "GROUP_NAME USERS\ndiag_x fac00001 fac00002\n",
			want:   []string{"fac00001", "fac00002"},
		},
		{
			name:   "subgroup markers trimmed",
			group:  "diamond",
			output: "GROUP_NAME USERS GROUP_ADMIN\ndiamond diag_a/ diag_b/ ( )\n",
			want:   []string{"diag_a", "diag_b"},
		},
		{
			name:   "group name appearing as a member of another line",
			group:  "diag_a",
			output: "diamond diag_a/ ( )\ndiag_a fac00009 ( )\n",
			want:   []string{"fac00009"},
		},
		{
			name:   "empty membership",
			group:  "diag_x",
			output: "diag_x ( )\n",
			want:   []string{},
		},
		{
			name:    "group missing",
			group:   "diag_x",
			output:  "GROUP_NAME USERS GROUP_ADMIN\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMembers(tt.group, tt.output)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMembers() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("ParseMembers() = %q, want %q", got, tt.want)
			}
		})
	}
}
