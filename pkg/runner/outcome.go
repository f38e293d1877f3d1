package runner

import (
	"strings"

	"personad/pkg/protocol"
)

// failureMarkers indicate the process gave up or fell short even though it
// exited cleanly.
var failureMarkers = []string{
	"not accomplished",
	"was unable to",
	"could not complete",
	"couldn't complete",
	"failed to complete",
	"gave up",
	"task incomplete",
}

// successMarkers override failure markers: a run that reports both is
// taken at its word that it finished.
var successMarkers = []string{
	"successfully completed",
	"completed successfully",
	"task complete",
	"task completed",
	"done successfully",
}

// AssessOutcome maps a finished run to its terminal execution status.
// Non-zero exit (including timeout and cancellation) is authoritative. For
// a clean exit the process's own result assessment wins; when it offers
// none, a marker scan of the captured output decides between completed
// and incomplete.
func AssessOutcome(res Result) string {
	if res.Cancelled {
		return protocol.StatusCancelled
	}
	if res.TimedOut || res.ExitCode != 0 {
		return protocol.StatusFailed
	}
	if s := res.Summary; s != nil {
		if s.IsError || s.Subtype == "error_during_execution" {
			return protocol.StatusIncomplete
		}
		if s.ResultText != "" && containsAny(strings.ToLower(s.ResultText), failureMarkers) &&
			!containsAny(strings.ToLower(s.ResultText), successMarkers) {
			return protocol.StatusIncomplete
		}
	}
	lower := strings.ToLower(res.Output)
	if containsAny(lower, failureMarkers) && !containsAny(lower, successMarkers) {
		return protocol.StatusIncomplete
	}
	return protocol.StatusCompleted
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
