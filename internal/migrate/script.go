package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// BaseVersion is stamped on databases that predate version tracking.
const BaseVersion = "1.0.0"

// Script upgrades the schema from PreviousVersion to Version. Upgrade and
// the validators run inside the caller's transaction; returning an error
// aborts the whole run.
type Script interface {
	Version() string
	PreviousVersion() string
	Description() string
	ValidatePreconditions(ctx context.Context, tx *sql.Tx) error
	Upgrade(ctx context.Context, tx *sql.Tx) error
	ValidatePostconditions(ctx context.Context, tx *sql.Tx) error
}

// Downgrader is implemented by scripts that can be reverted.
type Downgrader interface {
	Downgrade(ctx context.Context, tx *sql.Tx) error
}

type stepFunc func(ctx context.Context, tx *sql.Tx) error

// step is the Script implementation used by the bundled migrations.
type step struct {
	version     string
	previous    string
	description string
	pre         stepFunc
	up          stepFunc
	post        stepFunc
}

func (s *step) Version() string         { return s.version }
func (s *step) PreviousVersion() string { return s.previous }
func (s *step) Description() string     { return s.description }

func (s *step) ValidatePreconditions(ctx context.Context, tx *sql.Tx) error {
	if s.pre == nil {
		return nil
	}
	return s.pre(ctx, tx)
}

func (s *step) Upgrade(ctx context.Context, tx *sql.Tx) error {
	return s.up(ctx, tx)
}

func (s *step) ValidatePostconditions(ctx context.Context, tx *sql.Tx) error {
	if s.post == nil {
		return nil
	}
	return s.post(ctx, tx)
}

var (
	registryMu sync.Mutex
	registry   = map[string]Script{}
)

// Register adds a script to the package registry. It panics on a duplicate
// version, like database/sql.Register.
func Register(s Script) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[s.Version()]; dup {
		panic("migrate: duplicate script for version " + s.Version())
	}
	registry[s.Version()] = s
}

// Registered returns a copy of the registry.
func Registered() map[string]Script {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make(map[string]Script, len(registry))
	for k, v := range registry {
		out[k] = v
	}
	return out
}

// Semver is a MAJOR.MINOR.PATCH triple compared component-wise.
type Semver [3]int

// ParseVersion parses "1.2.3". Missing components count as zero.
func ParseVersion(v string) (Semver, error) {
	var out Semver
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return out, fmt.Errorf("invalid version %q", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("invalid version %q", v)
		}
		out[i] = n
	}
	return out, nil
}

// Compare returns -1, 0 or 1.
func (a Semver) Compare(b Semver) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func (a Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", a[0], a[1], a[2])
}

// CompareVersions compares two version strings; unparsable strings sort first.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func sortedVersions(scripts map[string]Script) []string {
	out := make([]string, 0, len(scripts))
	for v := range scripts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return CompareVersions(out[i], out[j]) < 0 })
	return out
}
