package orchestrator

import "strings"

// staleSessionPatterns are substrings of executor error text that indicate
// the agent SDK's conversation handle is no longer valid. This is best-effort
// string matching: a structured error kind from the executor would be better,
// and the patterns may misclassify configuration errors. Keep the list short
// and specific.
var staleSessionPatterns = []string{
	"no conversation found",
	"conversation not found",
	"session not found",
	"invalid session id",
	"session has expired",
}

// isStaleSDKSessionError reports whether an executor failure looks like a
// dead SDK resume handle. When it matches, the session's handle is cleared
// so the next prompt starts a fresh conversation instead of failing again.
func isStaleSDKSessionError(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, p := range staleSessionPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
