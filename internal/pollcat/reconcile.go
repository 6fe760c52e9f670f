package pollcat

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// DefaultLocationChunkSize is how many file ids are resolved per catalogue query.
const DefaultLocationChunkSize = 100

// VisitOptions configures the visit strategy.
type VisitOptions struct {
	SourceRoot           string
	DestinationRoot      string
	Anchor               string
	DefaultUser          string
	DefaultGroup         string
	SchedulerGroupPrefix string
	LocationChunkSize    int
}

// VisitReconciler grants every investigator of the visits a request touches
// access to those visits, then replicates the requested files into the shared
// visit tree. Failures local to one visit or file are recorded in the report
// and processing continues; only a failure to resolve the requester is fatal.
type VisitReconciler struct {
	catalogue   Catalogue
	directory   Directory
	scheduler   Scheduler
	provisioner Provisioner
	replicator  *Replicator
	opts        VisitOptions
	logger      Logger
	clock       Clock
	idgen       IDGenerator
}

func NewVisitReconciler(catalogue Catalogue, directory Directory, scheduler Scheduler, provisioner Provisioner, fsys Filesystem, opts VisitOptions, logger Logger, clock Clock, idgen IDGenerator) *VisitReconciler {
	if opts.LocationChunkSize <= 0 {
		opts.LocationChunkSize = DefaultLocationChunkSize
	}
	return &VisitReconciler{
		catalogue:   catalogue,
		directory:   directory,
		scheduler:   scheduler,
		provisioner: provisioner,
		replicator:  NewReplicator(fsys, provisioner, opts.DefaultUser, opts.DefaultGroup, logger),
		opts:        opts,
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
	}
}

var _ Runner = (*VisitReconciler)(nil)

// visitRun is the state of one reconciliation.
type visitRun struct {
	req     *Request
	report  *Report
	session DirectorySession
	closed  bool

	// uids caches fedid lookups for the lifetime of the directory session.
	uids map[string]string

	visits []VisitID
	files  map[VisitID][]FileRef
	users  map[VisitID][]string
	groups map[VisitID][]string
}

func (run *visitRun) skipVisit(v VisitID, reason string) {
	run.report.Skips.SkipVisit(v, reason)
}

// live returns the visits no phase has skipped so far.
func (run *visitRun) live() []VisitID {
	var out []VisitID
	for _, v := range run.visits {
		if !run.report.Skips.VisitSkipped(v) {
			out = append(out, v)
		}
	}
	return out
}

// Run reconciles one request. It returns an error only when the requester
// cannot be resolved; everything else is reported.
func (r *VisitReconciler) Run(ctx context.Context, req *Request) (*Report, error) {
	run := &visitRun{
		req:    req,
		report: newReport(runIDFor(ctx, r.idgen), StrategyVisit, req, r.clock.Now()),
		uids:   make(map[string]string),
		files:  make(map[VisitID][]FileRef),
		users:  make(map[VisitID][]string),
		groups: make(map[VisitID][]string),
	}
	r.logger.Info("reconciling request", "run", run.report.RunID, "request", req.ID, "requester", req.Requester, "files", len(req.FileIDs))

	session, err := r.directory.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to directory: %w", err)
	}
	run.session = session
	defer r.closeSession(run)

	if err := r.resolveRequester(ctx, run); err != nil {
		return nil, fmt.Errorf("resolving requester %q: %w", req.Requester, err)
	}

	r.resolveFiles(ctx, run)
	r.resolveVisitUsers(ctx, run)
	r.syncDirectory(ctx, run)
	r.syncScheduler(ctx, run)
	r.closeSession(run)

	r.syncOSAccounts(ctx, run)
	r.skipFilesOfSkippedVisits(run)
	r.replicate(ctx, run)

	run.report.Visits = run.visits
	run.report.FinishedAt = r.clock.Now()
	r.logger.Info("request reconciled",
		"run", run.report.RunID,
		"request", req.ID,
		"copied", run.report.FilesCopied,
		"failed", run.report.FilesFailed,
		"files_skipped", run.report.FilesSkipped(),
		"visits_skipped", run.report.VisitsSkipped(),
	)
	return run.report, nil
}

func (r *VisitReconciler) closeSession(run *visitRun) {
	if run.closed {
		return
	}
	run.closed = true
	if err := run.session.Close(); err != nil {
		r.logger.Warn("closing directory session", "error", err)
		run.report.warn(fmt.Sprintf("closing directory session: %v", err))
	}
}

// resolveRequester makes sure the requester has a directory identity and a local account.
func (r *VisitReconciler) resolveRequester(ctx context.Context, run *visitRun) error {
	fedid := strings.TrimSpace(run.req.Requester)
	if err := ValidateName(fedid); err != nil {
		return err
	}
	uid, err := r.identityFor(ctx, run, fedid)
	if err != nil {
		return err
	}
	if err := r.provisioner.EnsureAccount(ctx, uid); err != nil {
		return fmt.Errorf("provisioning account %s: %w", uid, err)
	}
	run.report.RequesterUID = uid
	return nil
}

// identityFor returns the uid for fedid, creating the directory identity if
// none exists yet.
func (r *VisitReconciler) identityFor(ctx context.Context, run *visitRun, fedid string) (string, error) {
	if uid, ok := run.uids[fedid]; ok {
		return uid, nil
	}

	ident, err := run.session.LookupIdentity(ctx, fedid)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", fedid, err)
	}
	if ident == nil {
		ident, err = run.session.CreateIdentity(ctx, fedid)
		if err != nil {
			return "", fmt.Errorf("creating identity for %s: %w", fedid, err)
		}
		r.logger.Info("directory identity created", "fedid", fedid, "uid", ident.UID)
	}
	run.uids[fedid] = ident.UID
	return ident.UID, nil
}

// resolveFiles looks up each requested file once and groups the replicable
// ones by visit, in the order visits first appear in the request.
func (r *VisitReconciler) resolveFiles(ctx context.Context, run *visitRun) {
	ids := uniqueIDs(run.req.FileIDs)
	run.report.FilesRequested = len(ids)
	locations := resolveLocations(ctx, r.catalogue, ids, r.opts.LocationChunkSize, r.logger)

	for _, id := range ids {
		loc, ok := locations[id]
		if !ok {
			run.report.Skips.SkipFile(id, "no catalogue location")
			continue
		}
		paths, err := DerivePaths(loc, r.opts.Anchor, r.opts.SourceRoot, r.opts.DestinationRoot)
		if err != nil {
			r.logger.Warn("skipping file", "file", id, "error", err)
			run.report.Skips.SkipFile(id, err.Error())
			continue
		}
		if _, seen := run.files[paths.Visit]; !seen {
			run.visits = append(run.visits, paths.Visit)
		}
		run.files[paths.Visit] = append(run.files[paths.Visit], FileRef{ID: id, Location: loc, Paths: paths})
	}
}

func (r *VisitReconciler) resolveVisitUsers(ctx context.Context, run *visitRun) {
	for _, v := range run.visits {
		if err := ValidateName(v.GroupName()); err != nil {
			run.skipVisit(v, err.Error())
			continue
		}
		fedids, err := r.catalogue.UsersOf(ctx, v)
		if err != nil {
			r.logger.Warn("skipping visit", "visit", v, "phase", "users", "error", err)
			run.skipVisit(v, fmt.Sprintf("looking up visit users: %v", err))
			continue
		}
		run.users[v] = fedids
	}
}

func (r *VisitReconciler) syncDirectory(ctx context.Context, run *visitRun) {
	for _, v := range run.live() {
		uids, err := r.visitUIDs(ctx, run, v)
		if err == nil {
			err = r.syncDirectoryGroup(ctx, run, v.GroupName(), uids)
		}
		if err != nil {
			r.logger.Warn("skipping visit", "visit", v, "phase", "directory", "error", err)
			run.skipVisit(v, fmt.Sprintf("directory sync: %v", err))
			continue
		}
		run.groups[v] = uids
	}
}

// visitUIDs resolves the visit's investigators to directory uids. Fedids that
// are not safe names are reported and left out.
func (r *VisitReconciler) visitUIDs(ctx context.Context, run *visitRun, v VisitID) ([]string, error) {
	var uids []string
	for _, fedid := range run.users[v] {
		fedid = strings.TrimSpace(fedid)
		if err := ValidateName(fedid); err != nil {
			run.report.warn(fmt.Sprintf("visit %s: ignoring investigator: %v", v, err))
			continue
		}
		uid, err := r.identityFor(ctx, run, fedid)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(uids, uid) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (r *VisitReconciler) syncDirectoryGroup(ctx context.Context, run *visitRun, name string, uids []string) error {
	group, err := run.session.LookupGroup(ctx, name)
	if err != nil {
		return fmt.Errorf("looking up group %s: %w", name, err)
	}

	if group == nil {
		dn, err := run.session.CreateGroup(ctx, name)
		if err != nil {
			return fmt.Errorf("creating group %s: %w", name, err)
		}
		r.logger.Info("directory group created", "group", name, "members", len(uids))
		if len(uids) == 0 {
			return nil
		}
		return run.session.AddGroupMembers(ctx, dn, uids)
	}

	missing := MissingMembers(uids, group.Members)
	if len(missing) == 0 {
		return nil
	}
	r.logger.Info("adding directory group members", "group", name, "members", strings.Join(missing, ","))
	return run.session.AddGroupMembers(ctx, group.DN, missing)
}

func (r *VisitReconciler) syncScheduler(ctx context.Context, run *visitRun) {
	for _, v := range run.live() {
		name := r.opts.SchedulerGroupPrefix + v.GroupName()
		if err := r.syncSchedulerGroup(ctx, run, v, name); err != nil {
			r.logger.Warn("skipping visit", "visit", v, "phase", "scheduler", "error", err)
			run.skipVisit(v, fmt.Sprintf("scheduler sync: %v", err))
		}
	}
}

func (r *VisitReconciler) syncSchedulerGroup(ctx context.Context, run *visitRun, v VisitID, name string) error {
	uids := run.groups[v]
	group, err := r.scheduler.CheckGroup(ctx, name)
	if err != nil {
		return fmt.Errorf("checking group %s: %w", name, err)
	}

	if group == nil {
		if len(uids) == 0 {
			run.report.warn(fmt.Sprintf("visit %s: scheduler group %s not created: no members", v, name))
			return nil
		}
		if err := r.scheduler.AddGroup(ctx, name, uids); err != nil {
			return fmt.Errorf("creating group %s: %w", name, err)
		}
		r.logger.Info("scheduler group created", "group", name, "members", strings.Join(uids, ","))
		return nil
	}

	if missing := MissingMembers(uids, group.Members); len(missing) > 0 {
		if err := r.scheduler.AddMembers(ctx, name, missing); err != nil {
			return fmt.Errorf("adding members to %s: %w", name, err)
		}
		r.logger.Info("scheduler group members added", "group", name, "members", strings.Join(missing, ","))
	}

	// A parent link that failed on an earlier run is repaired here.
	if err := r.scheduler.LinkParent(ctx, name); err != nil {
		return fmt.Errorf("linking %s into parent group: %w", name, err)
	}
	return nil
}

func (r *VisitReconciler) syncOSAccounts(ctx context.Context, run *visitRun) {
	for _, v := range run.live() {
		group := v.GroupName()
		if err := r.provisioner.EnsureGroup(ctx, group); err != nil {
			r.logger.Warn("skipping visit", "visit", v, "phase", "os group", "error", err)
			run.skipVisit(v, fmt.Sprintf("creating os group: %v", err))
			continue
		}
		for _, uid := range run.groups[v] {
			if err := r.provisioner.EnsureAccount(ctx, uid); err != nil {
				run.report.warn(fmt.Sprintf("visit %s: account %s: %v", v, uid, err))
				continue
			}
			if err := r.provisioner.AddSupplementaryGroup(ctx, uid, group); err != nil {
				run.report.warn(fmt.Sprintf("visit %s: adding %s to %s: %v", v, uid, group, err))
			}
		}
	}
}

func (r *VisitReconciler) skipFilesOfSkippedVisits(run *visitRun) {
	for _, v := range run.visits {
		if !run.report.Skips.VisitSkipped(v) {
			continue
		}
		for _, f := range run.files[v] {
			run.report.Skips.SkipFile(f.ID, fmt.Sprintf("visit %s skipped", v))
		}
	}
}

func (r *VisitReconciler) replicate(ctx context.Context, run *visitRun) {
	for _, v := range run.live() {
		for _, f := range run.files[v] {
			if err := ctx.Err(); err != nil {
				run.report.FilesFailed++
				run.report.warn(fmt.Sprintf("file %d: %v", f.ID, err))
				continue
			}
			n, err := r.replicator.Copy(f.Paths)
			if err != nil {
				r.logger.Warn("copy failed", "file", f.ID, "error", err)
				run.report.FilesFailed++
				run.report.warn(fmt.Sprintf("file %d: %v", f.ID, err))
				continue
			}
			run.report.FilesCopied++
			run.report.BytesCopied += n

			for _, err := range r.replicator.ApplyTiers(ctx, f.Paths) {
				run.report.warn(fmt.Sprintf("file %d: %v", f.ID, err))
			}
		}
	}
}

// uniqueIDs drops repeated ids, keeping first occurrences in order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
