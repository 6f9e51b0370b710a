package ingress

import (
	"slices"
	"strings"
)

const basePriority = 50

// computePriority implements the §4.1.1 scoring rule over a workflow_job's
// labels and repository path, clamped to [0, 100].
func computePriority(repository string, labels []string) int {
	score := basePriority

	if hasAny(labels, "production", "deploy") {
		score += 30
	}
	if hasAny(labels, "critical") {
		score += 20
	}
	if hasAny(labels, "hotfix") {
		score += 10
	}
	if hasAny(labels, "large", "xlarge") {
		score -= 20
	}
	if strings.Contains(repository, "staging") || strings.Contains(repository, "dev") {
		score -= 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func hasAny(labels []string, wanted ...string) bool {
	for _, l := range labels {
		if slices.Contains(wanted, strings.ToLower(l)) {
			return true
		}
	}
	return false
}
