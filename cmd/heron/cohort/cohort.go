package cohort

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"golang.org/x/exp/slices"
)

// ErrEmptyCohort indicates the configured sources resolved to zero patients.
// Filtering against an empty cohort would silently drop everything, so
// callers must treat this as fatal before touching any output.
var ErrEmptyCohort = errors.New("cohort is empty")

// ErrNoSource indicates no cohort source was configured at all.
var ErrNoSource = errors.New("no cohort source specified")

// Set is an ordered, de-duplicated collection of patient IDs.
type Set struct {
	order  []string
	member map[string]bool
}

func NewSet() *Set {
	return &Set{member: make(map[string]bool)}
}

// Add inserts a patient ID, reporting whether it was new.
func (s *Set) Add(id string) bool {
	if id == "" || s.member[id] {
		return false
	}
	s.member[id] = true
	s.order = append(s.order, id)
	return true
}

func (s *Set) Contains(id string) bool { return s.member[id] }

func (s *Set) Len() int { return len(s.order) }

// IDs returns the members in insertion order.
func (s *Set) IDs() []string { return slices.Clone(s.order) }

// ConditionSearcher finds patient IDs on the FHIR server by condition code.
type ConditionSearcher interface {
	SearchPatientIDs(ctx context.Context, conditionCode string) ([]string, error)
}

// Options selects the cohort sources. Any combination may be set; results
// are unioned.
type Options struct {
	ListFile      string
	IDs           []string
	ConditionCode string
	SQL           string
}

func (o Options) empty() bool {
	return o.ListFile == "" && len(o.IDs) == 0 && o.ConditionCode == "" && o.SQL == ""
}

// Resolver assembles a patient cohort from files, explicit IDs, FHIR
// condition searches, and SQL queries.
type Resolver struct {
	searcher ConditionSearcher
	db       *sqlx.DB
	log      zerolog.Logger
}

// NewResolver creates a resolver. The searcher and db may be nil when the
// corresponding sources are not used.
func NewResolver(searcher ConditionSearcher, db *sqlx.DB, log zerolog.Logger) *Resolver {
	return &Resolver{searcher: searcher, db: db, log: log}
}

// Resolve unions all configured sources into one cohort. Sources run in a
// fixed order (file, explicit IDs, condition search, SQL) so the resulting
// set is deterministic.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (*Set, error) {
	if opts.empty() {
		return nil, ErrNoSource
	}

	set := NewSet()

	if opts.ListFile != "" {
		ids, err := readPatientList(opts.ListFile)
		if err != nil {
			return nil, err
		}
		added := addAll(set, ids)
		r.log.Info().Str("file", opts.ListFile).Int("patients", added).Msg("Loaded cohort from patient list")
	}

	if len(opts.IDs) > 0 {
		added := addAll(set, opts.IDs)
		r.log.Info().Int("patients", added).Msg("Added explicitly listed patients")
	}

	if opts.ConditionCode != "" {
		if r.searcher == nil {
			return nil, fmt.Errorf("cannot resolve condition code %q: no FHIR server configured", opts.ConditionCode)
		}
		ids, err := r.searcher.SearchPatientIDs(ctx, opts.ConditionCode)
		if err != nil {
			return nil, fmt.Errorf("failed to search patients by condition: %w", err)
		}
		added := addAll(set, ids)
		r.log.Info().Str("code", opts.ConditionCode).Int("patients", added).Msg("Added patients by condition code")
	}

	if opts.SQL != "" {
		if r.db == nil {
			return nil, fmt.Errorf("cannot run cohort query: no cohort database configured")
		}
		var ids []string
		if err := r.db.SelectContext(ctx, &ids, opts.SQL); err != nil {
			return nil, fmt.Errorf("failed to run cohort query: %w", err)
		}
		added := addAll(set, ids)
		r.log.Info().Int("patients", added).Msg("Added patients from cohort query")
	}

	if set.Len() == 0 {
		return nil, ErrEmptyCohort
	}

	r.log.Info().Int("total", set.Len()).Msg("Cohort resolved")
	return set, nil
}

func addAll(set *Set, ids []string) int {
	added := 0
	for _, id := range ids {
		if set.Add(normalizeID(id)) {
			added++
		}
	}
	return added
}

// normalizeID strips whitespace and an optional Patient/ prefix so list
// files may carry either bare IDs or relative references.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "Patient/")
	return id
}

// readPatientList reads one patient ID per line, skipping blank lines and
// comments.
func readPatientList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patient list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read patient list: %w", err)
	}
	return ids, nil
}
