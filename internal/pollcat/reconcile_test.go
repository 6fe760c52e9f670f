package pollcat_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"pollcat/internal/catalogue"
	"pollcat/internal/directory"
	"pollcat/internal/osaccount"
	"pollcat/internal/pollcat"
	"pollcat/internal/scheduler"
	"pollcat/internal/testutil"
)

type visitEnv struct {
	catalogue  *catalogue.MemoryCatalogue
	directory  *directory.MemoryDirectory
	scheduler  *scheduler.MemoryScheduler
	accounts   *osaccount.MemoryProvisioner
	fs         *testutil.MockFilesystem
	opts       pollcat.VisitOptions
	reconciler *pollcat.VisitReconciler
}

func newVisitEnv(t *testing.T) *visitEnv {
	t.Helper()
	env := &visitEnv{
		catalogue: catalogue.NewMemoryCatalogue(),
		directory: directory.NewMemoryDirectory("fac", 12, 5, pollcat.NewNopLogger()),
		scheduler: scheduler.NewMemoryScheduler("diamond"),
		accounts:  osaccount.NewMemoryProvisioner("dls"),
		fs:        testutil.NewMockFilesystem(),
		opts: pollcat.VisitOptions{
			SourceRoot:           "/dls",
			DestinationRoot:      "/mnt/scarf",
			Anchor:               "dls",
			DefaultUser:          "dlsadmin",
			DefaultGroup:         "dls",
			SchedulerGroupPrefix: "diag_",
		},
	}
	env.build(env.catalogue)
	return env
}

func (env *visitEnv) build(cat pollcat.Catalogue) {
	env.reconciler = pollcat.NewVisitReconciler(cat, env.directory, env.scheduler, env.accounts, env.fs,
		env.opts, pollcat.NewNopLogger(), testutil.FixedClock(), testutil.NewStubIDGenerator())
}

// addFile registers a catalogue file and puts its content under the source root.
func (env *visitEnv) addFile(id int64, location string) {
	env.catalogue.AddFile(id, location)
	env.fs.AddFile("/dls/"+location, []byte(fmt.Sprintf("file %d", id)))
}

func (env *visitEnv) run(t *testing.T, requester string, ids ...int64) *pollcat.Report {
	t.Helper()
	report, err := env.reconciler.Run(context.Background(), &pollcat.Request{ID: 7, Requester: requester, FileIDs: ids})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := env.directory.OpenSessions(); n != 0 {
		t.Errorf("open directory sessions = %d, want 0", n)
	}
	return report
}

func TestVisitReconciler_NewVisit(t *testing.T) {
	env := newVisitEnv(t)
	env.addFile(1, "dls/i24/data/2026/MT8618-8/scan_0001.h5")
	env.addFile(2, "dls/i24/data/2026/MT8618-8/processed/scan_0001.mtz")
	env.catalogue.SetUsers("MT8618-8", "alice", "bob")

	report := env.run(t, "carol", 1, 2)

	if report.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", report.RunID)
	}
	if report.RequesterUID != "fac00012" {
		t.Errorf("RequesterUID = %q, want fac00012", report.RequesterUID)
	}
	if report.FilesCopied != 2 || report.FilesFailed != 0 || report.FilesSkipped() != 0 {
		t.Errorf("copied/failed/skipped = %d/%d/%d, want 2/0/0", report.FilesCopied, report.FilesFailed, report.FilesSkipped())
	}
	if len(report.Warnings) != 0 {
		t.Errorf("Warnings = %q, want none", report.Warnings)
	}
	if got := pollcat.StatusOf(report); got != pollcat.RunOK {
		t.Errorf("StatusOf() = %q, want %q", got, pollcat.RunOK)
	}
	if !slices.Equal(report.Visits, []pollcat.VisitID{"MT8618-8"}) {
		t.Errorf("Visits = %v, want [MT8618-8]", report.Visits)
	}

	members := []string{"fac00013", "fac00014"}
	if got := env.directory.Group("mt8618_8"); !slices.Equal(got, members) {
		t.Errorf("directory group = %v, want %v", got, members)
	}
	if got := env.scheduler.Group("diag_mt8618_8"); !slices.Equal(got, members) {
		t.Errorf("scheduler group = %v, want %v", got, members)
	}
	if got := env.scheduler.Group("diamond"); !slices.Contains(got, "diag_mt8618_8") {
		t.Errorf("parent group = %v, want it to contain diag_mt8618_8", got)
	}
	if !env.accounts.HasGroup("mt8618_8") {
		t.Error("os group mt8618_8 not created")
	}
	for _, uid := range append(members, "fac00012") {
		if !env.accounts.HasAccount(uid) {
			t.Errorf("os account %s not created", uid)
		}
	}
	for _, uid := range members {
		if got := env.accounts.Groups(uid); !slices.Contains(got, "mt8618_8") {
			t.Errorf("groups of %s = %v, want mt8618_8", uid, got)
		}
	}

	if _, ok := env.fs.File("/mnt/scarf/i24/data/2026/MT8618-8/processed/scan_0001.mtz"); !ok {
		t.Error("replica not written")
	}
	if got := env.accounts.Owner("/mnt/scarf/i24/data/2026/MT8618-8"); got != "dlsadmin:mt8618_8" {
		t.Errorf("visit owner = %q, want dlsadmin:mt8618_8", got)
	}
	if got := env.accounts.Owner("/mnt/scarf/i24"); got != "dlsadmin:dls" {
		t.Errorf("beamline owner = %q, want dlsadmin:dls", got)
	}
	if got := env.directory.Connects(); got != 1 {
		t.Errorf("directory connects = %d, want 1", got)
	}
}

func TestVisitReconciler_RerunOnlyAddsMissingMembers(t *testing.T) {
	env := newVisitEnv(t)
	env.addFile(1, "dls/i24/data/2026/MT8618-8/scan_0001.h5")
	env.catalogue.SetUsers("MT8618-8", "alice")
	env.run(t, "carol", 1)

	// Someone outside pollcat added a member; it must survive.
	env.directory.SetGroup("mt8618_8", append(env.directory.Group("mt8618_8"), "fac09999")...)
	env.scheduler.SetGroup("diag_mt8618_8", append(env.scheduler.Group("diag_mt8618_8"), "fac09999")...)
	env.catalogue.SetUsers("MT8618-8", "alice", "bob")

	report := env.run(t, "carol", 1)

	want := []string{"fac00013", "fac09999", "fac00014"}
	if got := env.directory.Group("mt8618_8"); !slices.Equal(got, want) {
		t.Errorf("directory group = %v, want %v", got, want)
	}
	if got := env.scheduler.Group("diag_mt8618_8"); !slices.Equal(got, want) {
		t.Errorf("scheduler group = %v, want %v", got, want)
	}
	if report.RequesterUID != "fac00012" {
		t.Errorf("RequesterUID = %q, want fac00012 reused", report.RequesterUID)
	}
	if report.FilesCopied != 1 {
		t.Errorf("FilesCopied = %d, want 1", report.FilesCopied)
	}
	if got := env.directory.Connects(); got != 2 {
		t.Errorf("directory connects = %d, want one per run", got)
	}
}

func TestVisitReconciler_SkipsAreIsolated(t *testing.T) {
	env := newVisitEnv(t)
	env.addFile(1, "dls/i24/data/2026/MT1-1/a.h5")
	env.addFile(2, "dls/i24/data/2026/MT2-1/b.h5")
	env.addFile(4, "dls/i03/data/2026/CM3-1/c.h5")
	env.addFile(5, "elsewhere/f.h5")
	env.catalogue.SetUsers("MT2-1", "alice")
	env.catalogue.SetUsers("CM3-1", "bob")
	env.catalogue.FailVisit("MT1-1", errors.New("icat timeout"))
	env.scheduler.FailGroup("diag_cm3_1", errors.New("lsf unavailable"))

	// File 3 has no catalogue record.
	report := env.run(t, "carol", 1, 2, 3, 4, 5)

	if report.FilesCopied != 1 {
		t.Errorf("FilesCopied = %d, want 1", report.FilesCopied)
	}
	if got := report.Skips.VisitIDs(); !slices.Equal(got, []pollcat.VisitID{"CM3-1", "MT1-1"}) {
		t.Errorf("skipped visits = %v, want [CM3-1 MT1-1]", got)
	}
	if got := report.Skips.FileIDs(); !slices.Equal(got, []int64{1, 3, 4, 5}) {
		t.Errorf("skipped files = %v, want [1 3 4 5]", got)
	}
	if reason := report.Skips.Files[1]; !strings.Contains(reason, "MT1-1") {
		t.Errorf("file 1 reason = %q, want it to name the visit", reason)
	}
	if reason := report.Skips.Files[3]; reason != "no catalogue location" {
		t.Errorf("file 3 reason = %q", reason)
	}
	if got := pollcat.StatusOf(report); got != pollcat.RunPartial {
		t.Errorf("StatusOf() = %q, want %q", got, pollcat.RunPartial)
	}

	if env.directory.Group("mt1_1") != nil {
		t.Error("directory group for a visit skipped before sync was created")
	}
	// Earlier phases are not rolled back for a visit skipped later.
	if env.directory.Group("cm3_1") == nil {
		t.Error("directory group cm3_1 missing")
	}
	if env.accounts.HasGroup("cm3_1") {
		t.Error("os group created for a skipped visit")
	}
	if _, ok := env.fs.File("/mnt/scarf/i24/data/2026/MT2-1/b.h5"); !ok {
		t.Error("file of the healthy visit not replicated")
	}
	if _, ok := env.fs.File("/mnt/scarf/i03/data/2026/CM3-1/c.h5"); ok {
		t.Error("file of a skipped visit replicated")
	}
}

func TestVisitReconciler_RequesterFailureIsFatal(t *testing.T) {
	tests := []struct {
		name      string
		requester string
		setup     func(env *visitEnv)
		wantErr   error
	}{
		{name: "unsafe fedid", requester: "bad name;", wantErr: pollcat.ErrInvalidIdentifier},
		{
			name:      "lookup fails",
			requester: "carol",
			setup:     func(env *visitEnv) { env.directory.Fail("carol", errors.New("ldap busy")) },
		},
		{
			name:      "uid allocation exhausted",
			requester: "carol",
			setup:     func(env *visitEnv) { env.directory.InjectConflicts(100) },
			wantErr:   pollcat.ErrIDAllocationExhausted,
		},
		{
			name:      "account provisioning fails",
			requester: "carol",
			setup:     func(env *visitEnv) { env.accounts.Fail("fac00012", pollcat.ErrProvisioning) },
			wantErr:   pollcat.ErrProvisioning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newVisitEnv(t)
			env.addFile(1, "dls/i24/data/2026/MT1-1/a.h5")
			env.catalogue.SetUsers("MT1-1", "alice")
			if tt.setup != nil {
				tt.setup(env)
			}

			report, err := env.reconciler.Run(context.Background(), &pollcat.Request{ID: 1, Requester: tt.requester, FileIDs: []int64{1}})
			if err == nil {
				t.Fatal("Run() expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if report != nil {
				t.Errorf("Run() report = %+v, want nil", report)
			}
			if env.directory.Group("mt1_1") != nil {
				t.Error("visit processed after a fatal requester failure")
			}
			if n := env.directory.OpenSessions(); n != 0 {
				t.Errorf("open directory sessions = %d, want 0", n)
			}
			if files := env.fs.Files(); len(files) != 1 {
				t.Errorf("files = %v, want only the source", files)
			}
		})
	}
}

func TestVisitReconciler_ConnectFailure(t *testing.T) {
	env := newVisitEnv(t)
	env.directory.Fail("connect", errors.New("no route to host"))

	if _, err := env.reconciler.Run(context.Background(), &pollcat.Request{Requester: "carol"}); err == nil {
		t.Fatal("Run() expected error")
	}
}

func TestVisitReconciler_Warnings(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(env *visitEnv)
		wantCopied  int
		wantFailed  int
		wantWarning string
		check       func(t *testing.T, env *visitEnv)
	}{
		{
			name:        "unsafe investigator fedid is left out",
			setup:       func(env *visitEnv) { env.catalogue.SetUsers("MT1-1", "alice", "../root") },
			wantCopied:  1,
			wantWarning: "ignoring investigator",
			check: func(t *testing.T, env *visitEnv) {
				if got := env.directory.Group("mt1_1"); !slices.Equal(got, []string{"fac00013"}) {
					t.Errorf("directory group = %v, want [fac00013]", got)
				}
			},
		},
		{
			name:        "visit without investigators gets no scheduler group",
			setup:       func(env *visitEnv) { env.catalogue.SetUsers("MT1-1") },
			wantCopied:  1,
			wantWarning: "no members",
			check: func(t *testing.T, env *visitEnv) {
				if env.scheduler.Group("diag_mt1_1") != nil {
					t.Error("empty scheduler group created")
				}
				if !env.accounts.HasGroup("mt1_1") {
					t.Error("os group mt1_1 not created")
				}
			},
		},
		{
			name: "member account failure does not skip the visit",
			setup: func(env *visitEnv) {
				env.catalogue.SetUsers("MT1-1", "alice")
				env.accounts.Fail("fac00013", errors.New("useradd: busy"))
			},
			wantCopied:  1,
			wantWarning: "account fac00013",
		},
		{
			name: "tier failure keeps the copy",
			setup: func(env *visitEnv) {
				env.catalogue.SetUsers("MT1-1", "alice")
				env.accounts.Fail("/mnt/scarf/i24", errors.New("chown: permission denied"))
			},
			wantCopied:  1,
			wantWarning: "beamline tier",
		},
		{
			name: "copy failure is counted",
			setup: func(env *visitEnv) {
				env.catalogue.SetUsers("MT1-1", "alice")
				env.fs.Fail("/dls/dls/i24/data/2026/MT1-1/a.h5", errors.New("input/output error"))
			},
			wantFailed:  1,
			wantWarning: "file 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newVisitEnv(t)
			env.addFile(1, "dls/i24/data/2026/MT1-1/a.h5")
			tt.setup(env)

			report := env.run(t, "carol", 1)

			if report.FilesCopied != tt.wantCopied || report.FilesFailed != tt.wantFailed {
				t.Errorf("copied/failed = %d/%d, want %d/%d", report.FilesCopied, report.FilesFailed, tt.wantCopied, tt.wantFailed)
			}
			if report.VisitsSkipped() != 0 {
				t.Errorf("skipped visits = %v, want none", report.Skips.VisitIDs())
			}
			found := slices.ContainsFunc(report.Warnings, func(w string) bool { return strings.Contains(w, tt.wantWarning) })
			if !found {
				t.Errorf("Warnings = %q, want one containing %q", report.Warnings, tt.wantWarning)
			}
			if got := pollcat.StatusOf(report); got != pollcat.RunPartial {
				t.Errorf("StatusOf() = %q, want %q", got, pollcat.RunPartial)
			}
			if tt.check != nil {
				tt.check(t, env)
			}
		})
	}
}

func TestVisitReconciler_DuplicateFileIDs(t *testing.T) {
	env := newVisitEnv(t)
	env.addFile(1, "dls/i24/data/2026/MT1-1/a.h5")
	env.catalogue.SetUsers("MT1-1", "alice")

	report := env.run(t, "carol", 1, 1, 1)

	if report.FilesRequested != 1 || report.FilesCopied != 1 {
		t.Errorf("requested/copied = %d/%d, want 1/1", report.FilesRequested, report.FilesCopied)
	}
	if got := env.catalogue.Lookups(1); got != 1 {
		t.Errorf("catalogue lookups = %d, want 1", got)
	}
}

// batchCatalogue resolves locations in batches and remembers the batch sizes.
type batchCatalogue struct {
	*catalogue.MemoryCatalogue
	mu      sync.Mutex
	batches []int
	err     error
}

func (b *batchCatalogue) Locations(ctx context.Context, ids []int64) (map[int64]string, error) {
	b.mu.Lock()
	b.batches = append(b.batches, len(ids))
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	out := make(map[int64]string)
	for _, id := range ids {
		if loc, err := b.LocationOf(ctx, id); err == nil {
			out[id] = loc
		}
	}
	return out, nil
}

func TestVisitReconciler_ChunkedLocations(t *testing.T) {
	tests := []struct {
		name        string
		batchErr    error
		wantCopied  int
		wantBatches []int
	}{
		{name: "batched", wantCopied: 5, wantBatches: []int{2, 2, 1}},
		{name: "falls back to single lookups", batchErr: errors.New("query too long"), wantCopied: 5, wantBatches: []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newVisitEnv(t)
			env.opts.LocationChunkSize = 2
			cat := &batchCatalogue{MemoryCatalogue: env.catalogue, err: tt.batchErr}
			env.build(cat)
			for id := int64(1); id <= 5; id++ {
				env.addFile(id, fmt.Sprintf("dls/i24/data/2026/MT1-1/f%d.h5", id))
			}
			env.catalogue.SetUsers("MT1-1", "alice")

			report := env.run(t, "carol", 1, 2, 3, 4, 5)

			if report.FilesCopied != tt.wantCopied {
				t.Errorf("FilesCopied = %d, want %d", report.FilesCopied, tt.wantCopied)
			}
			if !slices.Equal(cat.batches, tt.wantBatches) {
				t.Errorf("batches = %v, want %v", cat.batches, tt.wantBatches)
			}
			for id := int64(1); id <= 5; id++ {
				if got := env.catalogue.Lookups(id); got != 1 {
					t.Errorf("lookups of %d = %d, want 1", id, got)
				}
			}
		})
	}
}

func TestVisitReconciler_RunIDFromContext(t *testing.T) {
	env := newVisitEnv(t)
	ctx := pollcat.WithRunID(context.Background(), "outer-run")

	report, err := env.reconciler.Run(ctx, &pollcat.Request{Requester: "carol"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.RunID != "outer-run" {
		t.Errorf("RunID = %q, want outer-run", report.RunID)
	}
}

func TestVisitReconciler_ExistingAndNewInvestigators(t *testing.T) {
	setup := func(t *testing.T) *visitEnv {
		env := newVisitEnv(t)
		env.directory = directory.NewMemoryDirectory("fac", 58, 5, pollcat.NewNopLogger())
		env.build(env.catalogue)
		env.directory.AddIdentity("bob", "fac00012")
		env.directory.AddIdentity("carol", "fac00003")
		env.addFile(1, "dls/i24/data/2026/MT8618-8/scan_0001.h5")
		env.catalogue.SetUsers("MT8618-8", "alice", "bob")
		return env
	}

	t.Run("first run", func(t *testing.T) {
		env := setup(t)
		env.run(t, "carol", 1)

		want := []string{"fac00058", "fac00012"}
		if got := env.directory.Group("mt8618_8"); !slices.Equal(got, want) {
			t.Errorf("directory group = %v, want %v", got, want)
		}
		if got := env.scheduler.Group("diag_mt8618_8"); !slices.Equal(got, want) {
			t.Errorf("scheduler group = %v, want %v", got, want)
		}
		if id := env.directory.Identity("alice"); id == nil || id.UID != "fac00058" {
			t.Errorf("alice identity = %+v, want fac00058", id)
		}
		for _, uid := range want {
			if got := env.accounts.Groups(uid); !slices.Equal(got, []string{"mt8618_8"}) {
				t.Errorf("groups of %s = %v, want [mt8618_8]", uid, got)
			}
		}
		if got := env.accounts.Mode("/mnt/scarf/i24"); got != pollcat.BeamlineMode {
			t.Errorf("beamline mode = %o, want %o", got, pollcat.BeamlineMode)
		}
		if got := env.accounts.Mode("/mnt/scarf/i24/data/2026/MT8618-8"); got != pollcat.VisitMode {
			t.Errorf("visit mode = %o, want %o", got, pollcat.VisitMode)
		}
	})

	t.Run("re-run after partial success", func(t *testing.T) {
		env := setup(t)
		env.directory.SetGroup("mt8618_8", "fac00012", "fac00777")
		env.scheduler.SetGroup("diag_mt8618_8", "fac00012", "fac00777")

		env.run(t, "carol", 1)

		want := []string{"fac00012", "fac00777", "fac00058"}
		if got := env.directory.Group("mt8618_8"); !slices.Equal(got, want) {
			t.Errorf("directory group = %v, want %v", got, want)
		}
		if got := env.scheduler.Group("diag_mt8618_8"); !slices.Equal(got, want) {
			t.Errorf("scheduler group = %v, want %v", got, want)
		}
		if got := env.scheduler.Group("diamond"); !slices.Equal(got, []string{"diag_mt8618_8"}) {
			t.Errorf("parent group = %v, want [diag_mt8618_8]", got)
		}
	})
}

func TestVisitReconciler_RepairsParentLink(t *testing.T) {
	env := newVisitEnv(t)
	env.addFile(1, "dls/i24/data/2026/MT8618-8/scan_0001.h5")
	env.catalogue.SetUsers("MT8618-8", "alice")
	env.scheduler.SetGroup("diamond", "diag_other_1")
	env.scheduler.FailGroup("diamond", errors.New("bconf locked"))

	report := env.run(t, "carol", 1)
	if got := report.Skips.VisitIDs(); !slices.Equal(got, []pollcat.VisitID{"MT8618-8"}) {
		t.Fatalf("first run skipped visits = %v, want [MT8618-8]", got)
	}
	if env.scheduler.Group("diag_mt8618_8") == nil {
		t.Fatal("scheduler group not created on first run")
	}

	env.scheduler.FailGroup("diamond", nil)
	report = env.run(t, "carol", 1)

	if got := report.Skips.VisitIDs(); len(got) != 0 {
		t.Errorf("second run skipped visits = %v, want none", got)
	}
	want := []string{"diag_other_1", "diag_mt8618_8"}
	if got := env.scheduler.Group("diamond"); !slices.Equal(got, want) {
		t.Errorf("parent group = %v, want %v", got, want)
	}
	if report.FilesCopied != 1 {
		t.Errorf("FilesCopied = %d, want 1", report.FilesCopied)
	}
}
