package agent

import (
	"strings"

	"github.com/raplab/raprunner/internal/schema"
)

const redacted = "********"

// redactResults scrubs the results before they leave the host. Output file
// names must never reach the controller, so the output arrays are dropped
// and replaced by booleans; when anything went unmatched or was excluded
// from the level 4 area, the status message and hint are blanked too, since
// the executor writes the offending file names into them. Secret values are
// scrubbed from the remaining free-text fields, which often embed command
// lines or connection failures verbatim.
func redactResults(results *schema.JobTaskResults, secrets []string) {
	if results == nil {
		return
	}

	hasUnmatchedOutputs := len(results.UnmatchedOutputs) > 0
	results.HasUnmatchedPatterns = results.HasUnmatchedPatterns ||
		len(results.UnmatchedPatterns) > 0
	results.HasLevel4ExcludedFiles = results.HasLevel4ExcludedFiles ||
		len(results.Level4ExcludedFiles) > 0

	results.Outputs = nil
	results.UnmatchedPatterns = nil
	results.UnmatchedOutputs = nil
	results.Level4ExcludedFiles = nil

	if hasUnmatchedOutputs || results.HasUnmatchedPatterns || results.HasLevel4ExcludedFiles {
		results.StatusMessage = ""
		results.Hint = ""
	}

	results.Error = redactString(results.Error, secrets)
	results.StatusMessage = redactString(results.StatusMessage, secrets)
	results.Hint = redactString(results.Hint, secrets)
}

func redactString(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}
