// ABOUTME: Maps request paths to the running service they address.
// ABOUTME: The table is rebuilt by the lifecycle manager and swapped atomically.

package authgate

import (
	"regexp"
	"sort"
	"strings"

	"github.com/2389/grimoire/internal/store"
)

// Target is a running service as seen by the gateway.
type Target struct {
	ServiceID    string
	Name         string
	StreamPath   string
	AuthRequired bool
}

// customRoute is a service published at an operator-chosen path.
type customRoute struct {
	base   string // stream path without a trailing "/sse"
	target Target
}

// table is an immutable resolution snapshot.
type table struct {
	canonical map[string]Target // by service id
	custom    []customRoute     // longest base first
	exact     map[string]Target // by stream path
}

func emptyTable() *table {
	return &table{
		canonical: map[string]Target{},
		exact:     map[string]Target{},
	}
}

// CanonicalStreamPath returns the stream path a service gets when no custom
// path is given.
func CanonicalStreamPath(prefix, serviceID string) string {
	return "/" + prefix + "-" + serviceID + "/sse"
}

// BasePath strips a trailing "/sse" from a stream path.
func BasePath(streamPath string) string {
	return strings.TrimSuffix(streamPath, "/sse")
}

// MessagePath returns the message path paired with a stream path.
func MessagePath(streamPath string) string {
	return BasePath(streamPath) + "/messages/"
}

const uuidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

func canonicalPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^/` + regexp.QuoteMeta(prefix) + `-(` + uuidPattern + `)(/.*)?$`)
}

// buildTable indexes running services for resolution.
func buildTable(prefix string, services []*store.Service) *table {
	t := emptyTable()
	for _, svc := range services {
		target := Target{
			ServiceID:    svc.ID,
			Name:         svc.Name,
			StreamPath:   svc.StreamPath,
			AuthRequired: svc.AuthRequired,
		}
		if svc.StreamPath == CanonicalStreamPath(prefix, svc.ID) {
			t.canonical[strings.ToLower(svc.ID)] = target
			continue
		}
		t.exact[svc.StreamPath] = target
		if base := BasePath(svc.StreamPath); base != "" && base != "/" {
			t.custom = append(t.custom, customRoute{base: base, target: target})
		}
	}
	sort.Slice(t.custom, func(i, j int) bool {
		return len(t.custom[i].base) > len(t.custom[j].base)
	})
	return t
}

type resolution int

const (
	passThrough resolution = iota
	resolved
	notRunning
)

// resolve applies canonical, then custom sub-path, then exact-path matching.
func (g *Gateway) resolve(path string) (Target, resolution) {
	t := g.table.Load()

	if m := g.canonical.FindStringSubmatch(path); m != nil {
		if target, ok := t.canonical[strings.ToLower(m[1])]; ok {
			return target, resolved
		}
		return Target{}, notRunning
	}

	for _, c := range t.custom {
		if strings.HasPrefix(path, c.base+"/") {
			return c.target, resolved
		}
	}

	if target, ok := t.exact[path]; ok {
		return target, resolved
	}
	return Target{}, passThrough
}
