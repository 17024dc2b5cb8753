package engine

import (
	"reflect"
	"testing"
)

// TestGeneratePlanKinds checks keyword-driven plan selection.
func TestGeneratePlanKinds(t *testing.T) {
	tests := []struct {
		name        string
		target      *Target
		wantKind    PackageKind
		wantOutputs int
	}{
		{
			name: "media keywords select a media plan",
			target: &Target{
				ID: "the-daily-brief", Name: "The Daily Brief",
				Category: TargetCategoryOrg,
				Metadata: map[string]string{"description": "weekly podcast interviews"},
			},
			wantKind:    PackageKindMedia,
			wantOutputs: 2,
		},
		{
			name: "document keywords select a document plan",
			target: &Target{
				ID: "acme-corp", Name: "Acme Corp",
				Category: TargetCategoryOrg,
				Metadata: map[string]string{"description": "quarterly filings in the public registry"},
			},
			wantKind:    PackageKindDocument,
			wantOutputs: 2,
		},
		{
			name: "no keywords fall back to composite",
			target: &Target{
				ID: "jane-doe", Name: "Jane Doe",
				Category: TargetCategoryPerson,
			},
			wantKind:    PackageKindComposite,
			wantOutputs: 2,
		},
		{
			name: "mixed keywords produce composite",
			target: &Target{
				ID: "summit", Name: "Annual Summit",
				Category: TargetCategoryEvent,
				Metadata: map[string]string{"description": "keynote video streams and conference papers"},
			},
			wantKind: PackageKindComposite,
			// composite covers both channels
			wantOutputs: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := GeneratePlan(tt.target)
			if plan.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", plan.Kind, tt.wantKind)
			}
			if len(plan.Endpoints) == 0 {
				t.Error("plan has no endpoints")
			}
			if len(plan.ExpectedOutputs) != tt.wantOutputs {
				t.Errorf("expected %d outputs, got %d", tt.wantOutputs, len(plan.ExpectedOutputs))
			}
			if plan.PlanSummary == "" {
				t.Error("plan has no summary")
			}
		})
	}
}

// TestGeneratePlanDeterministic checks that the same target always yields
// the same plan, so re-entrant sweeps never diverge.
func TestGeneratePlanDeterministic(t *testing.T) {
	target := &Target{
		ID: "acme-corp", Name: "Acme Corp",
		Category: TargetCategoryOrg,
		Metadata: map[string]string{"description": "registry filings"},
	}
	first := GeneratePlan(target)
	second := GeneratePlan(target)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("plans differ between calls:\n%+v\n%+v", first, second)
	}
}

// TestSlugify checks name normalization for endpoint and output paths.
func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Corp", "acme-corp"},
		{"Jane  Doe!", "jane-doe"},
		{"  Leading & Trailing  ", "leading-trailing"},
		{"already-slugged", "already-slugged"},
		{"Ünicode Name", "nicode-name"},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
