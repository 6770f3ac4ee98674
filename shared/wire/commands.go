package wire

import "strings"

// cancelJobPrefix prefixes the only command currently pushed through the
// heartbeat channel.
const cancelJobPrefix = "cancel_job:"

// CancelJobCommand builds the pending command that asks an agent to
// interrupt a job.
func CancelJobCommand(jobGUID string) string {
	return cancelJobPrefix + jobGUID
}

// ParseCancelJob extracts the job GUID from a cancel command. Unknown
// command shapes return ok=false and are ignored by agents.
func ParseCancelJob(cmd string) (jobGUID string, ok bool) {
	if !strings.HasPrefix(cmd, cancelJobPrefix) {
		return "", false
	}
	guid := strings.TrimPrefix(cmd, cancelJobPrefix)
	if guid == "" {
		return "", false
	}
	return guid, true
}
