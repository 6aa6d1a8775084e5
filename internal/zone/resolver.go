// Package zone implements the Zone Resolver: it answers "give me an
// availability zone where flavor F can currently be launched" by
// consulting a cached flavor->zones distribution and the live set of
// occupied zones as reported by the cloud CLI.
package zone

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"flavorsched/internal/logging"
)

// Result codes returned by Pick when no error occurred.
const (
	OK             = 0
	CodeNoStock    = 22
	CodeDisabled   = 23
	CodeOccupied   = 24
)

// CloudCLI is the subset of the cloud command-line tool's contract the
// resolver depends on.
type CloudCLI interface {
	// DescribeInstances returns the names of every running instance in
	// region.
	DescribeInstances(ctx context.Context, region string) ([]string, error)
}

// Resolver holds the static flavor->zones distribution and answers
// pick-a-zone queries against it.
type Resolver struct {
	mu             sync.RWMutex
	distribution   map[string][]string
	distPath       string
	helperBin      string
	enabledRegions []string
	overrideZone   string
	reservedLabel  string
	cloudCLI       CloudCLI
	rng            *rand.Rand
	log            *logging.Logger
}

// Config bundles the construction-time parameters for a Resolver.
type Config struct {
	DistributionPath   string
	DistributionHelper string
	EnabledRegions     []string
	OverrideZone       string
	ReservedLabel      string
}

// New constructs a Resolver. It does not load the distribution file;
// call Refresh (or let Pick lazily refresh on first use) to populate it.
func New(cfg Config, cli CloudCLI) *Resolver {
	return &Resolver{
		distPath:       cfg.DistributionPath,
		helperBin:      cfg.DistributionHelper,
		enabledRegions: cfg.EnabledRegions,
		overrideZone:   cfg.OverrideZone,
		reservedLabel:  cfg.ReservedLabel,
		cloudCLI:       cli,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		log:            logging.Get(logging.CategoryZone),
	}
}

// SetDistribution installs a distribution map directly, bypassing the
// distribution file and its external generator; used by tests and by
// dry-run mode.
func (r *Resolver) SetDistribution(dist map[string][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.distribution = dist
}

// Refresh (re)loads the distribution file, invoking the external
// generator helper if the file does not yet exist. The helper's exit
// code 2 means "another instance is already generating it"; Refresh
// sleeps 60 seconds and retries in that case.
func (r *Resolver) Refresh(ctx context.Context) error {
	for {
		if _, err := os.Stat(r.distPath); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("stat distribution file: %w", err)
			}
			code, err := r.runHelper(ctx)
			if err != nil {
				return err
			}
			if code == 2 {
				r.log.Info("distribution helper already running, sleeping 60s")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(60 * time.Second):
				}
				continue
			}
		}
		break
	}

	dist, err := parseDistribution(r.distPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.distribution = dist
	r.mu.Unlock()
	return nil
}

// WatchDistribution holds a best-effort fsnotify watch on the
// distribution file's directory so a regenerated file is picked up
// without waiting for the next cache miss. This is purely an
// optimization over Pick's on-demand reload: a watcher that fails to
// start degrades silently to that on-demand path. The watch goroutine
// exits when ctx is canceled.
func (r *Resolver) WatchDistribution(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("fsnotify unavailable for distribution file, relying on on-demand reload: %v", err)
		return
	}

	dir := filepath.Dir(r.distPath)
	if err := watcher.Add(dir); err != nil {
		r.log.Warn("could not watch %s, relying on on-demand reload: %v", dir, err)
		watcher.Close()
		return
	}

	name := filepath.Base(r.distPath)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				dist, err := parseDistribution(r.distPath)
				if err != nil {
					r.log.Warn("failed to reload refreshed distribution file: %v", err)
					continue
				}
				r.mu.Lock()
				r.distribution = dist
				r.mu.Unlock()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (r *Resolver) runHelper(ctx context.Context) (int, error) {
	if r.helperBin == "" {
		return 0, fmt.Errorf("distribution file missing and no helper configured")
	}
	cmd := exec.CommandContext(ctx, r.helperBin, r.distPath)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("run distribution helper: %w", err)
}

func parseDistribution(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open distribution file: %w", err)
	}
	defer f.Close()

	dist := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		zoneID, flavor := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		dist[flavor] = append(dist[flavor], zoneID)
	}
	return dist, scanner.Err()
}

// Pick resolves an availability zone for flavor. It returns (zone, OK,
// nil) on success, ("", code, nil) for one of the documented resource
// shortages, or ("", 0, err) if an unexpected error occurred talking to
// the cloud CLI (the executor maps that to its own exception code). A
// flavor missing from the cached distribution triggers one Refresh
// before NoStock is reported, when a distribution file is configured;
// a failed refresh is returned as an error.
func (r *Resolver) Pick(ctx context.Context, flavor string) (string, int, error) {
	if r.overrideZone != "" {
		return r.overrideZone, OK, nil
	}

	r.mu.RLock()
	possible := append([]string{}, r.distribution[flavor]...)
	r.mu.RUnlock()

	if len(possible) == 0 && r.distPath != "" {
		if err := r.Refresh(ctx); err != nil {
			return "", 0, fmt.Errorf("refresh distribution: %w", err)
		}
		r.mu.RLock()
		possible = append([]string{}, r.distribution[flavor]...)
		r.mu.RUnlock()
	}

	if len(possible) == 0 {
		return "", CodeNoStock, nil
	}

	eligible := r.filterRegions(possible)
	if len(eligible) == 0 {
		return "", CodeDisabled, nil
	}

	occupied, err := r.occupiedZones(ctx, eligible)
	if err != nil {
		return "", 0, err
	}

	available := subtract(eligible, occupied)
	if len(available) == 0 {
		return "", CodeOccupied, nil
	}

	return available[r.rng.Intn(len(available))], OK, nil
}

// filterRegions keeps only zones whose identifier contains one of the
// enabled-region substrings; the sentinel "*" disables filtering.
func (r *Resolver) filterRegions(zones []string) []string {
	for _, region := range r.enabledRegions {
		if region == "*" {
			return zones
		}
	}
	var out []string
	for _, z := range zones {
		for _, region := range r.enabledRegions {
			if strings.Contains(z, region) {
				out = append(out, z)
				break
			}
		}
	}
	return out
}

// occupiedZones groups eligible zones by their region, calls the cloud
// CLI once per distinct region, and marks every zone in a region as
// occupied if any instance there bears the reserved label prefix.
func (r *Resolver) occupiedZones(ctx context.Context, eligible []string) ([]string, error) {
	byRegion := make(map[string][]string)
	for _, z := range eligible {
		region := regionOf(z)
		byRegion[region] = append(byRegion[region], z)
	}

	var occupied []string
	for region, zones := range byRegion {
		names, err := r.cloudCLI.DescribeInstances(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("describe instances in %s: %w", region, err)
		}
		prefix := r.reservedLabel + "-instance-"
		for _, name := range names {
			if strings.Contains(name, prefix) {
				occupied = append(occupied, zones...)
				break
			}
		}
	}
	return occupied, nil
}

// regionOf strips a zone identifier's trailing "-X" or single-letter
// availability-zone suffix to recover its region, e.g. "cn-hangzhou-i" ->
// "cn-hangzhou".
func regionOf(zone string) string {
	if idx := strings.LastIndex(zone, "-"); idx > 0 && len(zone)-idx <= 2 {
		return zone[:idx]
	}
	if len(zone) > 1 {
		return zone[:len(zone)-1]
	}
	return zone
}

func subtract(all, remove []string) []string {
	excl := make(map[string]bool, len(remove))
	for _, z := range remove {
		excl[z] = true
	}
	var out []string
	for _, z := range all {
		if !excl[z] {
			out = append(out, z)
		}
	}
	return out
}
