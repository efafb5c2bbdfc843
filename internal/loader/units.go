// ABOUTME: Materializes module source as uniquely-named unit files under the work dir
// ABOUTME: Keeps the newest N units per service and prunes the rest after each load

package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeName makes a module name safe for use in a file name.
func sanitizeName(name string) string {
	clean := strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "_")
	if clean == "" {
		return "module"
	}
	if len(clean) > 48 {
		clean = clean[:48]
	}
	return clean
}

// serviceDir is the directory holding one service's units.
func (l *Loader) serviceDir(serviceID string) string {
	return filepath.Join(l.opts.WorkDir, sanitizeName(serviceID))
}

// writeUnit stores source as a fresh unit file and returns its path.
func (l *Loader) writeUnit(serviceID, moduleName string, source []byte) (string, error) {
	dir := l.serviceDir(serviceID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating unit directory: %w", err)
	}

	f, err := os.CreateTemp(dir, sanitizeName(moduleName)+"_*.go")
	if err != nil {
		return "", fmt.Errorf("creating unit file: %w", err)
	}
	if _, err := f.Write(source); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing unit file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing unit file: %w", err)
	}
	return f.Name(), nil
}

// prune removes all but the newest Retain units of a service.
func (l *Loader) prune(serviceID string) {
	dir := l.serviceDir(serviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		l.logger.Warn("listing units for pruning", "service_id", serviceID, "error", err)
		return
	}

	type unit struct {
		path string
		mod  int64
	}
	var units []unit
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".go" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		units = append(units, unit{path: filepath.Join(dir, e.Name()), mod: info.ModTime().UnixNano()})
	}
	if len(units) <= l.opts.Retain {
		return
	}

	// Newest first; name breaks ties so the order is stable
	sort.Slice(units, func(i, j int) bool {
		if units[i].mod != units[j].mod {
			return units[i].mod > units[j].mod
		}
		return units[i].path > units[j].path
	})
	for _, u := range units[l.opts.Retain:] {
		if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
			l.logger.Warn("removing stale unit", "path", u.path, "error", err)
			continue
		}
		l.logger.Debug("pruned unit", "path", u.path)
	}
}

// Release removes every unit belonging to a service.
func (l *Loader) Release(serviceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.RemoveAll(l.serviceDir(serviceID)); err != nil {
		return fmt.Errorf("releasing units for %s: %w", serviceID, err)
	}
	return nil
}

// Units lists the unit files currently kept for a service.
func (l *Loader) Units(serviceID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.serviceDir(serviceID), "*.go"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
