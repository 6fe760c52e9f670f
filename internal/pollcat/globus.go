package pollcat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// GlobusOptions configures the globus strategy.
type GlobusOptions struct {
	SourceRoot        string
	DestinationRoot   string
	DefaultGroup      string
	LocationChunkSize int
}

// GlobusStrategy gives the requester a local account and copies the requested
// files to <destination>/<requester>/<download name>/<location>.
type GlobusStrategy struct {
	catalogue   Catalogue
	provisioner Provisioner
	fs          Filesystem
	opts        GlobusOptions
	logger      Logger
	clock       Clock
	idgen       IDGenerator
}

func NewGlobusStrategy(catalogue Catalogue, provisioner Provisioner, fsys Filesystem, opts GlobusOptions, logger Logger, clock Clock, idgen IDGenerator) *GlobusStrategy {
	if opts.LocationChunkSize <= 0 {
		opts.LocationChunkSize = DefaultLocationChunkSize
	}
	return &GlobusStrategy{
		catalogue:   catalogue,
		provisioner: provisioner,
		fs:          fsys,
		opts:        opts,
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
	}
}

var _ Runner = (*GlobusStrategy)(nil)

func (g *GlobusStrategy) Run(ctx context.Context, req *Request) (*Report, error) {
	report := newReport(runIDFor(ctx, g.idgen), StrategyGlobus, req, g.clock.Now())

	user := strings.TrimSpace(req.Requester)
	if err := ValidateName(user); err != nil {
		return nil, fmt.Errorf("resolving requester: %w", err)
	}
	if !safeSegment(req.DownloadName) {
		return nil, fmt.Errorf("%w: download name %q", ErrInvalidIdentifier, req.DownloadName)
	}
	if err := g.provisioner.EnsureAccount(ctx, user); err != nil {
		g.logger.Warn("unable to create local account", "user", user, "error", err)
		report.warn(fmt.Sprintf("account %s: %v", user, err))
	}
	report.RequesterUID = user

	downloadDir, err := g.downloadDir(user, req.DownloadName)
	if err != nil {
		return nil, err
	}

	ids := uniqueIDs(req.FileIDs)
	report.FilesRequested = len(ids)
	locs := resolveLocations(ctx, g.catalogue, ids, g.opts.LocationChunkSize, g.logger)

	for _, id := range ids {
		loc, ok := locs[id]
		if !ok {
			report.Skips.SkipFile(id, "no catalogue location")
			continue
		}
		if !safeRelative(loc) {
			report.Skips.SkipFile(id, fmt.Sprintf("%v: %q escapes the download directory", ErrUnderivableLocation, loc))
			continue
		}
		src := filepath.Join(g.opts.SourceRoot, loc)
		dst := filepath.Join(downloadDir, loc)
		if err := g.fs.MkdirAll(filepath.Dir(dst)); err != nil {
			report.FilesFailed++
			report.warn(fmt.Sprintf("file %d: creating %s: %v", id, filepath.Dir(dst), err))
			continue
		}
		n, err := g.fs.CopyFile(src, dst)
		if err != nil {
			g.logger.Warn("copy failed", "file", id, "error", err)
			report.FilesFailed++
			report.warn(fmt.Sprintf("file %d: copying %s: %v", id, src, err))
			continue
		}
		report.FilesCopied++
		report.BytesCopied += n
	}

	if report.FilesCopied > 0 {
		if err := g.provisioner.ChownRecursive(ctx, downloadDir, user, g.opts.DefaultGroup); err != nil {
			report.warn(fmt.Sprintf("chown %s: %v", downloadDir, err))
		}
	}

	report.FinishedAt = g.clock.Now()
	g.logger.Info("download delivered", "run", report.RunID, "request", req.ID, "dir", downloadDir, "copied", report.FilesCopied, "failed", report.FilesFailed)
	return report, nil
}

// downloadDir picks the directory for a download, suffixing "_2" when the
// requested name is already taken.
func (g *GlobusStrategy) downloadDir(user, name string) (string, error) {
	dir := filepath.Join(g.opts.DestinationRoot, user, name)
	exists, err := g.fs.Exists(dir)
	if err != nil {
		return "", fmt.Errorf("checking %s: %w", dir, err)
	}
	if exists {
		g.logger.Warn("download name already exists", "name", name, "using", name+"_2")
		dir += "_2"
	}
	return dir, nil
}

// safeSegment reports whether name can be used as a single path element.
func safeSegment(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\x00")
}

// safeRelative reports whether loc stays below the directory it is joined to.
func safeRelative(loc string) bool {
	trimmed := strings.Trim(loc, "/")
	if trimmed == "" {
		return false
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
