package engine

import (
	"fmt"
	"strings"
)

// Plan is the synthesized acquisition plan for a new package version. It
// is a pure function of the target so repeated sweeps over the same
// target produce identical plans.
type Plan struct {
	Kind            PackageKind
	PlanSummary     string
	Endpoints       []string
	ExpectedOutputs []OutputDescriptor
}

var mediaKeywords = []string{
	"podcast", "interview", "video", "audio",
	"broadcast", "stream", "webinar", "talk",
}

var documentKeywords = []string{
	"filing", "report", "document", "paper",
	"memo", "registry", "archive", "publication",
}

// GeneratePlan derives an acquisition plan from a target's descriptive
// fields. Keyword matches on name and description choose the package
// kind; targets matching neither table get a composite plan covering
// both channels.
func GeneratePlan(t *Target) *Plan {
	text := strings.ToLower(t.Name + " " + t.Metadata["description"])
	slug := slugify(t.Name)

	media := containsAny(text, mediaKeywords)
	document := containsAny(text, documentKeywords)

	switch {
	case media && !document:
		return mediaPlan(t, slug)
	case document && !media:
		return documentPlan(t, slug)
	default:
		return compositePlan(t, slug)
	}
}

func mediaPlan(t *Target, slug string) *Plan {
	return &Plan{
		Kind: PackageKindMedia,
		PlanSummary: fmt.Sprintf(
			"Acquire published media for %s (%s): pull feed, capture episodes, transcribe.",
			t.Name, t.Category),
		Endpoints: []string{
			fmt.Sprintf("https://feeds.example.org/%s/rss", slug),
		},
		ExpectedOutputs: []OutputDescriptor{
			{Path: fmt.Sprintf("media/%s/episode-001.mp3", slug), Kind: ArtifactKindAudio},
			{Path: fmt.Sprintf("transcripts/%s/episode-001.json", slug), Kind: ArtifactKindTranscript},
		},
	}
}

func documentPlan(t *Target, slug string) *Plan {
	return &Plan{
		Kind: PackageKindDocument,
		PlanSummary: fmt.Sprintf(
			"Acquire public filings and documents for %s (%s): fetch registry records, normalize to PDF.",
			t.Name, t.Category),
		Endpoints: []string{
			fmt.Sprintf("https://registry.example.org/%s/filings", slug),
		},
		ExpectedOutputs: []OutputDescriptor{
			{Path: fmt.Sprintf("documents/%s/filing-001.pdf", slug), Kind: ArtifactKindDocument},
			{Path: fmt.Sprintf("data/%s/filing-index.json", slug), Kind: ArtifactKindData},
		},
	}
}

func compositePlan(t *Target, slug string) *Plan {
	return &Plan{
		Kind: PackageKindComposite,
		PlanSummary: fmt.Sprintf(
			"Acquire mixed open-source material for %s (%s): media feed plus registry documents.",
			t.Name, t.Category),
		Endpoints: []string{
			fmt.Sprintf("https://feeds.example.org/%s/rss", slug),
			fmt.Sprintf("https://registry.example.org/%s/filings", slug),
		},
		ExpectedOutputs: []OutputDescriptor{
			{Path: fmt.Sprintf("media/%s/capture-001.mp4", slug), Kind: ArtifactKindVideo},
			{Path: fmt.Sprintf("documents/%s/dossier-001.pdf", slug), Kind: ArtifactKindDocument},
		},
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// slugify lowercases a name and collapses runs of non-alphanumeric
// characters into single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
