// Package healing classifies failed executions and decides whether the
// engine should retry automatically or raise a durable issue. Everything
// here is a pure function so the retry policy is testable in isolation
// from process spawning and storage.
package healing

import (
	"fmt"
	"strings"
)

// Category is the broad failure category derived from error text and flags.
type Category string

// Failure categories, in classification order.
const (
	RateLimit       Category = "rate_limit"
	SessionLimit    Category = "session_limit"
	Timeout         Category = "timeout"
	CliNotFound     Category = "cli_not_found"
	CredentialError Category = "credential_error"
	Unknown         Category = "unknown"
)

// ActionKind selects the recommended action for a diagnosed failure.
type ActionKind int

// Action kinds.
const (
	ActionRetryWithBackoff ActionKind = iota
	ActionRetryWithTimeout
	ActionCreateIssue
)

// Diagnosis is the full recommendation for one failed execution.
type Diagnosis struct {
	Category     Category
	Action       ActionKind
	DelaySecs    int64 // ActionRetryWithBackoff
	NewTimeoutMS int64 // ActionRetryWithTimeout
	Title        string
	Description  string
	Severity     string // low | medium | high | critical
	IssueKind    string // config | external | prompt | tool
	SuggestedFix string
}

// Policy limits.
const (
	// MaxBackoffSecs caps the retry backoff delay at 5 minutes.
	MaxBackoffSecs int64 = 300
	// MaxTimeoutMS caps the doubled retry timeout at 30 minutes.
	MaxTimeoutMS int64 = 1_800_000
	// MaxRetryCount caps automatic retries for a single execution lineage.
	MaxRetryCount = 3
)

// Classify maps an error into a Category. The timedOut and sessionLimit
// flags take priority over string matching so callers can pass pre-parsed
// booleans from the execution result. First match wins.
func Classify(errText string, timedOut, sessionLimit bool) Category {
	if sessionLimit {
		return SessionLimit
	}
	if timedOut {
		return Timeout
	}

	lower := strings.ToLower(errText)

	if strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429") {
		return RateLimit
	}
	if strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") {
		return Timeout
	}
	if strings.Contains(lower, "not found") ||
		strings.Contains(lower, "enoent") ||
		strings.Contains(lower, "is not recognized") {
		return CliNotFound
	}
	if strings.Contains(lower, "decrypt") ||
		strings.Contains(lower, "credential") ||
		strings.Contains(lower, "api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") {
		return CredentialError
	}
	return Unknown
}

// IsAutoFixable reports whether the category may be retried automatically.
func IsAutoFixable(c Category) bool {
	return c == RateLimit || c == Timeout
}

// Diagnose produces the recommendation for a classified failure.
//
// consecutiveFailures is the number of recent consecutive failures for the
// same persona; it escalates backoff and switches timeouts from retry to a
// manual issue. retryCount is the number of retries already attempted in
// this execution lineage; at MaxRetryCount retryable actions escalate to
// ActionCreateIssue.
func Diagnose(category Category, errText string, currentTimeoutMS int64, consecutiveFailures, retryCount int) Diagnosis {
	switch category {
	case RateLimit:
		if retryCount >= MaxRetryCount {
			return Diagnosis{
				Category: category,
				Action:   ActionCreateIssue,
				Title:    "Rate limit retries exhausted",
				Description: fmt.Sprintf(
					"Execution was rate-limited and %d retries have been exhausted. Manual investigation required. Error: %s",
					MaxRetryCount, truncate(errText, 200)),
				Severity:     "high",
				IssueKind:    "external",
				SuggestedFix: "Check API rate limits, consider reducing execution frequency or upgrading your plan.",
			}
		}
		delay := backoffDelay(consecutiveFailures)
		return Diagnosis{
			Category:  category,
			Action:    ActionRetryWithBackoff,
			DelaySecs: delay,
			Title:     "Rate limit hit",
			Description: fmt.Sprintf(
				"Execution was rate-limited. Will retry after %ds backoff. Error: %s",
				delay, truncate(errText, 200)),
			Severity:     "medium",
			IssueKind:    "external",
			SuggestedFix: fmt.Sprintf("Automatic retry with %ds backoff.", delay),
		}
	case SessionLimit:
		return Diagnosis{
			Category: category,
			Action:   ActionCreateIssue,
			Title:    "Session limit reached",
			Description: fmt.Sprintf(
				"The provider session/usage limit was hit. Manual action required. Error: %s",
				truncate(errText, 200)),
			Severity:     "high",
			IssueKind:    "external",
			SuggestedFix: "Wait for the usage limit to reset, or upgrade your plan.",
		}
	case Timeout:
		if consecutiveFailures >= 1 || retryCount >= MaxRetryCount {
			return Diagnosis{
				Category: category,
				Action:   ActionCreateIssue,
				Title:    "Repeated timeout",
				Description: fmt.Sprintf(
					"Execution timed out after a previous timeout retry. Current timeout: %dms. Error: %s",
					currentTimeoutMS, truncate(errText, 200)),
				Severity:     "high",
				IssueKind:    "config",
				SuggestedFix: "Consider simplifying the prompt or splitting the task into smaller steps.",
			}
		}
		newTimeout := currentTimeoutMS * 2
		if newTimeout > MaxTimeoutMS {
			newTimeout = MaxTimeoutMS
		}
		return Diagnosis{
			Category:     category,
			Action:       ActionRetryWithTimeout,
			NewTimeoutMS: newTimeout,
			Title:        "Execution timed out",
			Description: fmt.Sprintf(
				"Execution exceeded the %dms timeout. Will retry with %dms timeout. Error: %s",
				currentTimeoutMS, newTimeout, truncate(errText, 200)),
			Severity:     "medium",
			IssueKind:    "config",
			SuggestedFix: fmt.Sprintf("Automatic retry with increased timeout (%dms).", newTimeout),
		}
	case CliNotFound:
		return Diagnosis{
			Category: category,
			Action:   ActionCreateIssue,
			Title:    "Agent CLI not found",
			Description: fmt.Sprintf(
				"The agent CLI binary could not be located. Error: %s",
				truncate(errText, 200)),
			Severity:     "critical",
			IssueKind:    "config",
			SuggestedFix: "Install the agent CLI and make sure it is on PATH.",
		}
	case CredentialError:
		return Diagnosis{
			Category: category,
			Action:   ActionCreateIssue,
			Title:    "Credential / auth error",
			Description: fmt.Sprintf(
				"An authentication or credential issue was detected. Error: %s",
				truncate(errText, 200)),
			Severity:     "high",
			IssueKind:    "config",
			SuggestedFix: "Check that the API key or credential is valid and not expired.",
		}
	}
	return Diagnosis{
		Category: Unknown,
		Action:   ActionCreateIssue,
		Title:    "Execution failed",
		Description: fmt.Sprintf(
			"Execution failed with an unrecognised error. Error: %s",
			truncate(errText, 200)),
		Severity:  "medium",
		IssueKind: "external",
	}
}

// backoffDelay computes 30s doubled per consecutive failure, capped.
func backoffDelay(consecutiveFailures int) int64 {
	if consecutiveFailures > 30 {
		return MaxBackoffSecs
	}
	delay := int64(30) << uint(consecutiveFailures)
	if delay > MaxBackoffSecs || delay <= 0 {
		return MaxBackoffSecs
	}
	return delay
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := max
	for end > 0 && !isRuneStart(s[end]) {
		end--
	}
	return s[:end]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
