package risk

import (
	"regexp"
	"strings"
)

// ParsedCommand is the structured view of an AWS CLI command the scorers
// operate on. Parse never fails hard; Valid is false and ParseError set when
// the command cannot be decomposed.
type ParsedCommand struct {
	Original     string
	Service      string
	Action       string
	Verb         string
	ResourceType string
	Parameters   map[string]string
	Flags        []string
	Targets      []string
	Valid        bool
	ParseError   string
}

var parseQueryRe = regexp.MustCompile(`--query\s+['"].*?['"]`)

// targetParameters name resources; their values become Targets.
var targetParameters = map[string]struct{}{
	"instance-ids": {}, "instance-id": {},
	"bucket": {}, "bucket-name": {},
	"table-name":    {},
	"function-name": {},
	"cluster-name":  {},
	"db-instance-identifier": {},
	"log-group-name":         {},
	"queue-url": {}, "queue-name": {},
	"topic-arn": {},
	"secret-id": {},
	"key-id":    {},
	"stack-name": {},
	"role-name":  {}, "role-arn": {},
	"user-name": {},
}

// Parse decomposes an AWS CLI command into service, action, verb, parameters
// and flags. --query values are redacted first so JMESPath syntax cannot
// confuse the split.
func Parse(command string) ParsedCommand {
	original := strings.TrimSpace(command)
	if original == "" {
		return ParsedCommand{Original: original, ParseError: "empty command"}
	}

	cmd := strings.TrimPrefix(original, "aws ")
	cmd = parseQueryRe.ReplaceAllString(cmd, "--query REDACTED")

	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ParsedCommand{Original: original, ParseError: "no command parts"}
	}

	parsed := ParsedCommand{
		Original:   original,
		Service:    parts[0],
		Parameters: map[string]string{},
		Valid:      true,
	}
	if len(parts) > 1 {
		parsed.Action = parts[1]
		verb, rest, _ := strings.Cut(parsed.Action, "-")
		parsed.Verb = verb
		parsed.ResourceType = rest
	}

	for i := 2; i < len(parts); {
		part := parts[i]
		switch {
		case strings.HasPrefix(part, "--"):
			if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "-") {
				name := strings.TrimPrefix(part, "--")
				value := parts[i+1]
				parsed.Parameters[name] = value
				if _, ok := targetParameters[strings.ToLower(name)]; ok {
					parsed.Targets = append(parsed.Targets, value)
				}
				i += 2
			} else {
				parsed.Flags = append(parsed.Flags, part)
				i++
			}
		case strings.HasPrefix(part, "-") && len(part) == 2:
			parsed.Flags = append(parsed.Flags, part)
			i++
		default:
			// positional argument, e.g. s3 paths
			parsed.Targets = append(parsed.Targets, part)
			i++
		}
	}
	return parsed
}
