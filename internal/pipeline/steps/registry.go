// Package steps provides the ordered catalog of project initialization steps
// and the arithmetic that maps step-local progress onto the overall 0-100 scale.
package steps

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// Step names
const (
	CreateRepository      = "create_repository"
	PushTemplate          = "push_template"
	CreateDatabaseRecords = "create_database_records"
	SetupGitOps           = "setup_gitops"
	Finalize              = "finalize"
)

// Definition describes a single catalog entry
type Definition struct {
	Name              string
	Label             string
	Description       string
	ProgressStart     int
	ProgressEnd       int
	EstimatedDuration time.Duration
}

// Range is the overall-progress interval a step occupies
type Range struct {
	Start int
	End   int
}

// UnknownStepError is returned when a step name is not in the catalog
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step: %s", e.Step)
}

// CatalogError describes a malformed catalog
type CatalogError struct {
	Step   string
	Reason string
}

func (e *CatalogError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("invalid catalog: %s", e.Reason)
	}
	return fmt.Sprintf("invalid catalog at %s: %s", e.Step, e.Reason)
}

// Catalog is an immutable, ordered list of step definitions.
type Catalog struct {
	defs    []Definition
	index   map[string]int
	version string
}

// DefaultDefinitions is the project initialization sequence
var DefaultDefinitions = []Definition{
	{
		Name:              CreateRepository,
		Label:             "Create Git repository",
		Description:       "Resolve provider credentials and create (or adopt) the project repository",
		ProgressStart:     0,
		ProgressEnd:       20,
		EstimatedDuration: 10 * time.Second,
	},
	{
		Name:              PushTemplate,
		Label:             "Push project template",
		Description:       "Render the project template and push the initial commit",
		ProgressStart:     20,
		ProgressEnd:       50,
		EstimatedDuration: 30 * time.Second,
	},
	{
		Name:              CreateDatabaseRecords,
		Label:             "Create database records",
		Description:       "Record the repository and create the default environments",
		ProgressStart:     50,
		ProgressEnd:       60,
		EstimatedDuration: 3 * time.Second,
	},
	{
		Name:              SetupGitOps,
		Label:             "Configure GitOps",
		Description:       "Commit Flux manifests and apply them to the cluster",
		ProgressStart:     60,
		ProgressEnd:       90,
		EstimatedDuration: 20 * time.Second,
	},
	{
		Name:              Finalize,
		Label:             "Finalize",
		Description:       "Mark the project initialization as complete",
		ProgressStart:     90,
		ProgressEnd:       100,
		EstimatedDuration: 2 * time.Second,
	},
}

// Default is the catalog used by the worker.
var Default = MustNew(DefaultDefinitions...)

// New builds a catalog and validates contiguity.
func New(defs ...Definition) (*Catalog, error) {
	c := &Catalog{
		defs:  append([]Definition(nil), defs...),
		index: make(map[string]int, len(defs)),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	for i, d := range c.defs {
		c.index[d.Name] = i
	}
	c.version = computeVersion(c.defs)
	return c, nil
}

// MustNew is New for package-level catalogs; it panics on an invalid catalog.
func MustNew(defs ...Definition) *Catalog {
	c, err := New(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Validate checks that the ranges start at 0, end at 100, and touch without gaps or overlaps.
func (c *Catalog) Validate() error {
	if len(c.defs) == 0 {
		return &CatalogError{Reason: "no steps"}
	}
	seen := make(map[string]bool, len(c.defs))
	for i, d := range c.defs {
		if d.Name == "" {
			return &CatalogError{Reason: fmt.Sprintf("step %d has no name", i)}
		}
		if seen[d.Name] {
			return &CatalogError{Step: d.Name, Reason: "duplicate name"}
		}
		seen[d.Name] = true
		if d.ProgressStart < 0 || d.ProgressEnd > 100 || d.ProgressStart >= d.ProgressEnd {
			return &CatalogError{Step: d.Name, Reason: fmt.Sprintf("bad range %d-%d", d.ProgressStart, d.ProgressEnd)}
		}
		if i == 0 && d.ProgressStart != 0 {
			return &CatalogError{Step: d.Name, Reason: "first step must start at 0"}
		}
		if i > 0 && c.defs[i-1].ProgressEnd != d.ProgressStart {
			return &CatalogError{Step: d.Name, Reason: fmt.Sprintf("gap or overlap with %s", c.defs[i-1].Name)}
		}
	}
	if last := c.defs[len(c.defs)-1]; last.ProgressEnd != 100 {
		return &CatalogError{Step: last.Name, Reason: "last step must end at 100"}
	}
	return nil
}

// Steps returns the ordered step definitions
func (c *Catalog) Steps() []Definition {
	return append([]Definition(nil), c.defs...)
}

// Len returns the number of steps
func (c *Catalog) Len() int {
	return len(c.defs)
}

// Index returns the catalog position of a step, or -1
func (c *Catalog) Index(name string) int {
	i, ok := c.index[name]
	if !ok {
		return -1
	}
	return i
}

// Get returns the definition for a step name
func (c *Catalog) Get(name string) (Definition, error) {
	i, ok := c.index[name]
	if !ok {
		return Definition{}, &UnknownStepError{Step: name}
	}
	return c.defs[i], nil
}

// Version identifies the ordered set of step names. Ledger rows store it so
// that resumption can tell when the catalog changed under an in-flight project.
func (c *Catalog) Version() string {
	return c.version
}

// ProgressRange returns the overall-progress range of a step
func (c *Catalog) ProgressRange(name string) (Range, error) {
	d, err := c.Get(name)
	if err != nil {
		return Range{}, err
	}
	return Range{Start: d.ProgressStart, End: d.ProgressEnd}, nil
}

// StepProgressToOverall converts step-local progress to overall progress.
// Local progress outside [0,100] is clamped rather than rejected.
func (c *Catalog) StepProgressToOverall(name string, local int) (int, error) {
	r, err := c.ProgressRange(name)
	if err != nil {
		return 0, err
	}
	local = ClampProgress(local)
	return int(math.Round(float64(r.Start) + float64(r.End-r.Start)*float64(local)/100)), nil
}

// StepForOverallProgress returns the step whose [start, end) contains the value.
// Returns false once overall progress reaches 100.
func (c *Catalog) StepForOverallProgress(overall int) (Definition, bool) {
	if overall >= 100 {
		return Definition{}, false
	}
	if overall < 0 {
		overall = 0
	}
	for _, d := range c.defs {
		if overall >= d.ProgressStart && overall < d.ProgressEnd {
			return d, true
		}
	}
	return Definition{}, false
}

// ClampProgress bounds a progress value to [0,100]
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func computeVersion(defs []Definition) string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	sum := sha256.Sum256([]byte(strings.Join(names, ",")))
	return hex.EncodeToString(sum[:])[:12]
}
