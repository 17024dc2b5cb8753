package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
)

// minPlanSummaryLen is the minimum accepted plan summary length.
const minPlanSummaryLen = 16

// Validator implements the three stateless validation gates. Each gate
// returns an ordered list of error strings; an empty list means the gate
// passed. Gate failures are recorded in status history by the caller and
// never escape as Go errors.
type Validator struct {
	store     Store
	artifacts ArtifactStore
	validate  *validator.Validate
}

// NewValidator creates a validator over the given store and artifact store.
func NewValidator(store Store, artifacts ArtifactStore) *Validator {
	return &Validator{
		store:     store,
		artifacts: artifacts,
		validate:  validator.New(),
	}
}

// ValidateSchema is the V0 gate, run before draft->ready. It checks the
// package against the naming convention, its target, and structural
// requirements on summary, endpoints, and expected outputs.
func (v *Validator) ValidateSchema(ctx context.Context, pkg *Package) []string {
	var errs []string

	if err := v.validate.Struct(pkg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if pkg.TargetID != "" && pkg.ID != PackageID(pkg.TargetID, pkg.Version) {
		errs = append(errs, fmt.Sprintf("package id %q does not match naming convention %q",
			pkg.ID, PackageID(pkg.TargetID, pkg.Version)))
	}

	if pkg.TargetID != "" {
		if _, err := v.store.GetTarget(ctx, pkg.TargetID); err != nil {
			if errors.Is(err, ErrNotFound) {
				errs = append(errs, fmt.Sprintf("target %q does not exist", pkg.TargetID))
			} else {
				errs = append(errs, fmt.Sprintf("target %q could not be resolved: %v", pkg.TargetID, err))
			}
		}
	}

	if err := pkg.Kind.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(pkg.PlanSummary) > 0 && len(pkg.PlanSummary) < minPlanSummaryLen {
		errs = append(errs, fmt.Sprintf("plan summary must be at least %d characters, got %d",
			minPlanSummaryLen, len(pkg.PlanSummary)))
	}

	for i, ep := range pkg.Endpoints {
		if err := validateEndpointURI(ep); err != nil {
			errs = append(errs, fmt.Sprintf("endpoint %d (%q): %v", i, ep, err))
		}
	}

	for i, out := range pkg.ExpectedOutputs {
		if err := validateOutputPath(out.Path); err != nil {
			errs = append(errs, fmt.Sprintf("expected output %d (%q): %v", i, out.Path, err))
		}
		if err := out.Kind.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("expected output %d: %v", i, err))
		}
	}

	return errs
}

// ValidateExecution is the V1 gate, run before running->completed. It
// only gates whether ingestion is worth attempting: the latest handoff
// must have completed without critical-error markers and at least one
// expected output must exist on the artifact store.
func (v *Validator) ValidateExecution(ctx context.Context, pkg *Package) []string {
	var errs []string

	rec, err := v.store.LatestHandoff(ctx, pkg.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{"package has no handoff record"}
		}
		return []string{fmt.Sprintf("handoff lookup failed: %v", err)}
	}

	if rec.Status != HandoffStatusCompleted {
		errs = append(errs, fmt.Sprintf("latest handoff %s has status %q, want completed", rec.ID, rec.Status))
	}

	if markers := CriticalErrorMarkers(rec.Result); len(markers) > 0 {
		for _, m := range markers {
			errs = append(errs, fmt.Sprintf("handoff result contains critical error: %s", m))
		}
	}

	found := false
	for _, out := range pkg.ExpectedOutputs {
		if _, err := v.artifacts.Stat(ctx, out.Path); err == nil {
			found = true
			break
		}
	}
	if !found {
		errs = append(errs, "no expected output exists on the artifact store")
	}

	return errs
}

// ValidateOutputs is the V2 gate, run before outputs_ingested->validated.
// Every expected output must have a manifest entry, no entry may be
// missing or invalid, and the entry count must equal the expected output
// count to guard against partial ingestion.
func (v *Validator) ValidateOutputs(ctx context.Context, pkg *Package) []string {
	var errs []string

	entries, err := v.store.ListManifestByPackage(ctx, pkg.ID)
	if err != nil {
		return []string{fmt.Sprintf("manifest lookup failed: %v", err)}
	}

	byPath := make(map[string]*ManifestEntry, len(entries))
	for _, e := range entries {
		byPath[e.ExpectedPath] = e
	}

	for _, out := range pkg.ExpectedOutputs {
		entry, ok := byPath[out.Path]
		if !ok {
			errs = append(errs, fmt.Sprintf("expected output %q has no manifest entry", out.Path))
			continue
		}
		switch entry.Status {
		case ManifestStatusValid:
		case ManifestStatusMissing:
			errs = append(errs, fmt.Sprintf("expected output %q is missing: %s", out.Path, entryError(entry)))
		case ManifestStatusInvalid:
			errs = append(errs, fmt.Sprintf("expected output %q is invalid: %s", out.Path, entryError(entry)))
		default:
			errs = append(errs, fmt.Sprintf("expected output %q has not finished reconciliation", out.Path))
		}
	}

	if len(entries) != len(pkg.ExpectedOutputs) {
		errs = append(errs, fmt.Sprintf("manifest has %d entries for %d expected outputs",
			len(entries), len(pkg.ExpectedOutputs)))
	}

	return errs
}

func entryError(e *ManifestEntry) string {
	if e.Error != nil {
		return *e.Error
	}
	return "no detail recorded"
}

// validateEndpointURI accepts absolute http(s), ftp, and rss URIs.
func validateEndpointURI(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URI: %v", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URI must be absolute with scheme and host")
	}
	return nil
}

// validateOutputPath accepts clean relative paths inside the artifact
// store.
func validateOutputPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return fmt.Errorf("empty path")
	}
	if path.IsAbs(p) {
		return fmt.Errorf("path must be relative")
	}
	clean := path.Clean(p)
	if clean != p {
		return fmt.Errorf("path is not clean (want %q)", clean)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes the artifact store")
	}
	return nil
}

// handoffResult is the loosely structured shape executors report.
type handoffResult struct {
	Entries []struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"entries"`
	CriticalErrors []string `json:"critical_errors"`
}

// CriticalErrorMarkers extracts critical-error markers from a free-form
// handoff result payload. Structured entries with level "critical" or
// "fatal" and entries of a critical_errors array are markers; as a
// fallback, any line of a plain-text payload containing "critical"
// (case-insensitive) counts.
func CriticalErrorMarkers(result json.RawMessage) []string {
	if len(result) == 0 {
		return nil
	}

	var parsed handoffResult
	if err := json.Unmarshal(result, &parsed); err == nil {
		var markers []string
		markers = append(markers, parsed.CriticalErrors...)
		for _, e := range parsed.Entries {
			switch strings.ToLower(e.Level) {
			case "critical", "fatal":
				markers = append(markers, e.Message)
			}
		}
		return markers
	}

	var markers []string
	for _, line := range strings.Split(string(result), "\n") {
		if strings.Contains(strings.ToLower(line), "critical") {
			markers = append(markers, strings.TrimSpace(line))
		}
	}
	return markers
}
