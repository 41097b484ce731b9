package coordinator

import (
	"regexp"
	"strings"
)

const emptyReplyFallback = "I'm working on your request. Please try rephrasing your query or contact support if you need assistance."

var technicalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[?transfer_?to_?agent\([^)]*\)\]?`),
	regexp.MustCompile(`(?i)\[(function_call|tool_call|agent|system):[^\]]*\]`),
	regexp.MustCompile(`(?is)Traceback \(most recent call last\):.*`),
	regexp.MustCompile(`(?i)File "[^"]*", line \d+.*`),
	regexp.MustCompile(`(?i)(agent_name|session_id|task_id)=.*`),
}

var blankLines = regexp.MustCompile(`\n\s*\n`)

// scrub strips internal markers and stack traces from model output.
func scrub(reply string) string {
	if reply == "" {
		return reply
	}
	for _, p := range technicalPatterns {
		reply = p.ReplaceAllString(reply, "")
	}
	reply = strings.TrimSpace(blankLines.ReplaceAllString(reply, "\n"))
	if reply == "" {
		return emptyReplyFallback
	}
	return reply
}
