package weakness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/model"
)

// Pairwise contradiction scan limits. The scan is O(n^2) over memory
// pairs; memoryScanCap bounds the input and maxContradictionFindings
// caps the reported findings at the top 10 by severity.
const (
	memoryScanCap            = 200
	maxContradictionFindings = 10
	minSharedKeywords        = 2
)

// opposites are directional phrase pairs that signal contradicting
// claims when they appear in memories sharing enough topic keywords.
var opposites = [][2]string{
	{"always", "never"},
	{"enabled", "disabled"},
	{"increase", "decrease"},
	{"success", "failure"},
	{"available", "unavailable"},
	{"safe", "unsafe"},
	{"allow", "deny"},
	{"online", "offline"},
	{"healthy", "unhealthy"},
	{"should", "should not"},
	{"must", "must not"},
}

// negations mark a claim as denying something; a negated and an
// un-negated claim over the same keywords oppose each other.
var negations = []string{"not ", "no longer ", "never ", "cannot ", "isn't ", "doesn't ", "won't "}

type contradiction struct {
	a, b     model.MemoryRecord
	severity float64
	detail   string
}

// detectMemoryContradictions scans memory pairs for keyword/phrase
// opposition and packages the strongest findings into one cluster.
func detectMemoryContradictions(memories []model.MemoryRecord, now time.Time) *model.WeaknessCluster {
	if len(memories) > memoryScanCap {
		memories = memories[:memoryScanCap]
	}

	var found []contradiction
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			if c, ok := oppose(memories[i], memories[j]); ok {
				found = append(found, c)
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	sort.Slice(found, func(i, j int) bool { return found[i].severity > found[j].severity })
	if len(found) > maxContradictionFindings {
		found = found[:maxContradictionFindings]
	}

	nodes := make([]model.WeaknessNode, len(found))
	memIDs := map[uuid.UUID]bool{}
	var maxSeverity float64
	for i, c := range found {
		nodes[i] = model.WeaknessNode{
			Kind:     "memory",
			Ref:      c.a.ID.String() + "/" + c.b.ID.String(),
			Detail:   c.detail,
			Severity: c.severity,
		}
		memIDs[c.a.ID] = true
		memIDs[c.b.ID] = true
		if c.severity > maxSeverity {
			maxSeverity = c.severity
		}
	}

	affected := make([]uuid.UUID, 0, len(memIDs))
	for id := range memIDs {
		affected = append(affected, id)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i].String() < affected[j].String() })

	return &model.WeaknessCluster{
		Type:             model.WeaknessMemoryContradiction,
		Severity:         severityTier(maxSeverity),
		Confidence:       confidenceFromFindings(len(found)),
		Nodes:            nodes,
		RootCauses:       []string{"contradicting claims recorded in shared memory"},
		AffectedMemories: affected,
		DetectedAt:       now,
	}
}

// oppose decides whether two memories contradict. Both must share at
// least minSharedKeywords topic keywords; opposition comes either from
// an antonym pair split across the two contents or from negation on
// exactly one side. Severity scales with keyword overlap and the mean
// importance of the pair.
func oppose(a, b model.MemoryRecord) (contradiction, bool) {
	aText := strings.ToLower(a.Content)
	bText := strings.ToLower(b.Content)

	shared := sharedKeywords(aText, bText)
	if shared < minSharedKeywords {
		return contradiction{}, false
	}

	opposed := false
	for _, pair := range opposites {
		if (strings.Contains(aText, pair[0]) && strings.Contains(bText, pair[1])) ||
			(strings.Contains(aText, pair[1]) && strings.Contains(bText, pair[0])) {
			opposed = true
			break
		}
	}
	if !opposed && negated(aText) != negated(bText) {
		opposed = true
	}
	if !opposed {
		return contradiction{}, false
	}

	overlap := float64(shared) / 10
	if overlap > 1 {
		overlap = 1
	}
	severity := 0.5*overlap + 0.5*(a.Importance+b.Importance)/2

	return contradiction{
		a:        a,
		b:        b,
		severity: severity,
		detail:   fmt.Sprintf("memories share %d keywords with opposing claims", shared),
	}, true
}

func negated(text string) bool {
	for _, n := range negations {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// sharedKeywords counts distinct words of 4+ characters present in both
// texts. Short words carry too little topic signal to count.
func sharedKeywords(a, b string) int {
	aWords := map[string]bool{}
	for _, w := range strings.FieldsFunc(a, splitWord) {
		if len(w) >= 4 {
			aWords[w] = true
		}
	}
	seen := map[string]bool{}
	count := 0
	for _, w := range strings.FieldsFunc(b, splitWord) {
		if len(w) >= 4 && aWords[w] && !seen[w] {
			seen[w] = true
			count++
		}
	}
	return count
}

func splitWord(r rune) bool {
	return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
}

func severityTier(severity float64) int {
	switch {
	case severity >= 0.8:
		return 5
	case severity >= 0.6:
		return 4
	case severity >= 0.4:
		return 3
	case severity >= 0.2:
		return 2
	default:
		return 1
	}
}

// confidenceFromFindings grows with corroborating findings: one finding
// is suggestive (55), each extra adds 5 up to 95.
func confidenceFromFindings(n int) int {
	c := 50 + 5*n
	if c > 95 {
		c = 95
	}
	return c
}
