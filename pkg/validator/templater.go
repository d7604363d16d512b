package validator

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/batvault/gateway/pkg/contracts"
)

// defaultTemplate is the built-in deterministic answer: rationale first, then
// the most recent event, then the evidence counts.
const defaultTemplate = `{{if .Rationale}}{{.Rationale}}{{else}}Decision {{.AnchorID}} was recorded without an explicit rationale.{{end}}` +
	`{{if .LatestEvent}} Most recent signal: {{.LatestEvent}}.{{end}}` +
	` Based on {{.EventCount}} event(s) and {{.TransitionCount}} transition(s).`

// registryFile is the on-disk template registry shape.
type registryFile struct {
	Templates map[string]string `yaml:"templates"`
}

// Templater produces the deterministic fallback answer when the LLM is off,
// errored, timed out, or produced an unusable draft.
type Templater struct {
	templates map[string]*template.Template
}

// templateContext is what a registry template can reference.
type templateContext struct {
	AnchorID        string
	Title           string
	Rationale       string
	LatestEvent     string
	EventCount      int
	TransitionCount int
}

// NewTemplater loads the template registry from path. An empty path or a
// missing intent falls back to the built-in template; a malformed registry is
// an error since it would silently change answer wording.
func NewTemplater(path string) (*Templater, error) {
	t := &Templater{templates: map[string]*template.Template{}}

	builtin, err := template.New("default").Parse(defaultTemplate)
	if err != nil {
		return nil, err
	}
	t.templates["default"] = builtin

	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("template registry: %w", err)
	}
	var reg registryFile
	if err := yaml.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("template registry: %w", err)
	}
	for intent, body := range reg.Templates {
		parsed, err := template.New(intent).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("template registry %q: %w", intent, err)
		}
		t.templates[intent] = parsed
	}
	return t, nil
}

// Render produces the fallback answer for an intent over the bundle. The
// result is always non-empty, within the length cap, and cites the anchor
// plus every transition.
func (t *Templater) Render(intent string, bundle *contracts.EvidenceBundle) contracts.Answer {
	tpl, ok := t.templates[intent]
	if !ok {
		tpl = t.templates["default"]
	}

	tc := templateContext{
		AnchorID:        bundle.Anchor.ID,
		Title:           bundle.Anchor.Title,
		Rationale:       strings.TrimSpace(bundle.Anchor.Rationale),
		LatestEvent:     latestEventSummary(bundle.Events),
		EventCount:      len(bundle.Events),
		TransitionCount: len(bundle.Transitions.All()),
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, tc); err != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "Decision %s: based on %d event(s) and %d transition(s).",
			tc.AnchorID, tc.EventCount, tc.TransitionCount)
	}

	short := strings.TrimSpace(buf.String())
	if short == "" {
		short = fmt.Sprintf("Decision %s: based on %d event(s) and %d transition(s).",
			tc.AnchorID, tc.EventCount, tc.TransitionCount)
	}

	ids := append([]string{bundle.Anchor.ID}, bundle.TransitionIDs()...)
	return contracts.Answer{
		ShortAnswer:   truncateAnswer(short),
		SupportingIDs: ids,
	}
}

// latestEventSummary picks the summary of the newest event, id tiebreak.
func latestEventSummary(events []contracts.Event) string {
	if len(events) == 0 {
		return ""
	}
	sorted := append([]contracts.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp > sorted[j].Timestamp
		}
		return sorted[i].ID < sorted[j].ID
	})
	return strings.TrimSpace(sorted[0].Summary)
}
