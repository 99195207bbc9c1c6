package stage

import (
	"strings"

	"taskforge/internal/bgtask"
)

// outcome classifies what happened to a dispatched logical task once its
// background task reaches a terminal bgtask.Status.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetryable
	outcomePermanentFailure
)

// providerFailurePatterns are substrings that, found in an otherwise
// "completed" reply, indicate the underlying call actually failed.
var providerFailurePatterns = []string{
	"provider error",
	"api timeout",
	"rate limit",
	"503",
	"connection reset",
	"econnreset",
}

// classify turns a terminal bgtask.Task into a scheduling outcome,
// reclassifying a nominally `completed` result as retryable when it shows
// signs of a silent error: leftover declared work, a provider-failure
// substring in the reply, or declared planned files with no evidence any
// work happened at all.
func classify(task *bgtask.Task, plannedFiles []string) outcome {
	switch task.Status {
	case bgtask.StatusError, bgtask.StatusInterrupted:
		return outcomeRetryable
	case bgtask.StatusCancelled:
		return outcomePermanentFailure
	case bgtask.StatusCompleted:
		if task.Result != nil && isSilentError(task.Result, plannedFiles) {
			return outcomeRetryable
		}
		return outcomeCompleted
	default:
		return outcomeRetryable
	}
}

func isSilentError(result *bgtask.Result, plannedFiles []string) bool {
	if len(result.RemainingFiles) > 0 {
		return true
	}
	lowered := strings.ToLower(result.Reply)
	for _, pattern := range providerFailurePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	if len(plannedFiles) > 0 && len(result.CompletedFiles) == 0 && result.ToolEvents == 0 {
		return true
	}
	return false
}

func isTransientError(errMsg string) bool {
	lowered := strings.ToLower(errMsg)
	for _, s := range []string{"timeout", "context deadline", "rate limit", "too many requests", "temporar", "connection", "unavailable", "network", "i/o"} {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	return false
}
