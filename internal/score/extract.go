package score

import (
	"regexp"
	"strings"
)

// Call is one claimed API call scraped from the agent's mandated output
// block. Detail accumulates the Parameters/Body lines attached to the call.
type Call struct {
	Method   string
	Endpoint string
	Detail   string
}

// Normalized returns the call's canonical "method path" form.
func (c Call) Normalized() string {
	return NormalizeEndpoint(c.Method + " " + c.Endpoint)
}

var (
	callHeaderRe = regexp.MustCompile(`(?i)^\s*CALL\s+\d+\s*:`)
	methodRe     = regexp.MustCompile(`(?i)Method:\s*(\S+)`)
	endpointRe   = regexp.MustCompile(`(?i)Endpoint:\s*(\S+)`)
	channelRe    = regexp.MustCompile(`(?i)(?:Channel|Topic|Operation):\s*(\S+)`)
	detailRe     = regexp.MustCompile(`(?i)^\s*(?:Parameters|Body):`)
)

// ExtractCalls scrapes Method/Endpoint pairs and their parameter lines from
// free-form agent output. The parser is tolerant: unexpected formatting
// yields fewer calls, never an error.
func ExtractCalls(text string) []Call {
	var calls []Call
	var cur *Call
	inDetail := false

	flush := func() {
		if cur != nil && cur.Method != "" && cur.Endpoint != "" {
			calls = append(calls, *cur)
		}
		cur = nil
		inDetail = false
	}

	for _, line := range strings.Split(text, "\n") {
		if callHeaderRe.MatchString(line) {
			flush()
			cur = &Call{}
			continue
		}
		if m := methodRe.FindStringSubmatch(line); m != nil {
			if cur != nil && cur.Method != "" && cur.Endpoint != "" {
				flush()
			}
			if cur == nil {
				cur = &Call{}
			}
			cur.Method = m[1]
			inDetail = false
			continue
		}
		if cur != nil {
			if m := endpointRe.FindStringSubmatch(line); m != nil {
				cur.Endpoint = m[1]
				inDetail = false
				continue
			}
			if m := channelRe.FindStringSubmatch(line); m != nil && cur.Endpoint == "" {
				cur.Endpoint = m[1]
				inDetail = false
				continue
			}
			if detailRe.MatchString(line) {
				inDetail = true
			}
			if inDetail {
				cur.Detail += line + "\n"
			}
		}
	}
	flush()

	return calls
}
