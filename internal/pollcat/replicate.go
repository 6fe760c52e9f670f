package pollcat

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// Permission tiers applied after each successful copy.
const (
	BeamlineMode fs.FileMode = 0o775
	VisitMode    fs.FileMode = 0o750
)

// ReplicaPaths is where one catalogue file is read from and written to.
type ReplicaPaths struct {
	Source      string
	Destination string
	BeamlineDir string
	VisitDir    string
	Visit       VisitID
}

// DerivePaths maps a catalogue location of the form
// .../<anchor>/<beamline>/<data>/<year>/<visit>/<subpath...> onto sourceRoot and
// destRoot. The anchor segment must occur exactly once in the location.
//
//	DerivePaths("dls/x01/data/2014/x5022-2/processing/tmp/r0008/001/submit.pbs", "dls", "/dls", "/mnt/out")
//	  BeamlineDir: /mnt/out/x01
//	  VisitDir:    /mnt/out/x01/data/2014/x5022-2
func DerivePaths(location, anchor, sourceRoot, destRoot string) (*ReplicaPaths, error) {
	padded := "/" + strings.Trim(location, "/") + "/"
	marker := "/" + anchor + "/"

	i := strings.Index(padded, marker)
	if anchor == "" || i < 0 {
		return nil, fmt.Errorf("%w: %q has no %q segment", ErrUnderivableLocation, location, anchor)
	}
	if i != strings.LastIndex(padded, marker) {
		return nil, fmt.Errorf("%w: %q has more than one %q segment", ErrUnderivableLocation, location, anchor)
	}

	tail := strings.TrimSuffix(padded[i+len(marker):], "/")
	parts := strings.SplitN(tail, "/", 5)
	if len(parts) < 5 {
		return nil, fmt.Errorf("%w: %q is too short below %q", ErrUnderivableLocation, location, anchor)
	}
	// Source joins the whole location, so segments above the anchor are checked too.
	for _, seg := range strings.Split(strings.Trim(location, "/"), "/") {
		if seg == "" || seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: %q has an empty or relative segment", ErrUnderivableLocation, location)
		}
	}

	beamline := filepath.Join(destRoot, parts[0])
	return &ReplicaPaths{
		Source:      filepath.Join(sourceRoot, location),
		Destination: filepath.Join(destRoot, tail),
		BeamlineDir: beamline,
		VisitDir:    filepath.Join(beamline, parts[1], parts[2], parts[3]),
		Visit:       VisitID(parts[3]),
	}, nil
}

// Replicator copies files into the destination tree and applies the two
// ownership tiers: the beamline tree is group-readable by the default group,
// the visit tree only by the visit group.
type Replicator struct {
	fs           Filesystem
	provisioner  Provisioner
	defaultUser  string
	defaultGroup string
	logger       Logger
}

func NewReplicator(fsys Filesystem, provisioner Provisioner, defaultUser, defaultGroup string, logger Logger) *Replicator {
	return &Replicator{
		fs:           fsys,
		provisioner:  provisioner,
		defaultUser:  defaultUser,
		defaultGroup: defaultGroup,
		logger:       logger,
	}
}

// Copy writes p.Source to p.Destination, creating parent directories and
// overwriting any existing file. Returns the number of bytes copied.
func (r *Replicator) Copy(p *ReplicaPaths) (int64, error) {
	if err := r.fs.MkdirAll(filepath.Dir(p.Destination)); err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Dir(p.Destination), err)
	}
	n, err := r.fs.CopyFile(p.Source, p.Destination)
	if err != nil {
		return 0, fmt.Errorf("copying %s: %w", p.Source, err)
	}
	r.logger.Debug("file copied", "src", p.Source, "dst", p.Destination, "bytes", n)
	return n, nil
}

// ApplyTiers sets ownership and mode on the beamline and visit trees of p.
// A failing tier does not stop the other; failures are returned for reporting.
func (r *Replicator) ApplyTiers(ctx context.Context, p *ReplicaPaths) []error {
	var errs []error
	if err := r.applyTier(ctx, p.BeamlineDir, r.defaultGroup, BeamlineMode); err != nil {
		errs = append(errs, fmt.Errorf("beamline tier %s: %w", p.BeamlineDir, err))
	}
	if err := r.applyTier(ctx, p.VisitDir, p.Visit.GroupName(), VisitMode); err != nil {
		errs = append(errs, fmt.Errorf("visit tier %s: %w", p.VisitDir, err))
	}
	return errs
}

func (r *Replicator) applyTier(ctx context.Context, dir, group string, mode fs.FileMode) error {
	if err := r.provisioner.ChownRecursive(ctx, dir, r.defaultUser, group); err != nil {
		return err
	}
	return r.provisioner.ChmodRecursive(ctx, dir, mode)
}
