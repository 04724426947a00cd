package modal

import (
	"fmt"
	"strings"
)

// dockerfile is the part of a Dockerfile a Modal image can replay.
type dockerfile struct {
	Base     string
	Commands []string
}

// replayable lists the instructions Modal's image builder accepts.
var replayable = map[string]bool{
	"RUN": true, "WORKDIR": true, "ENV": true, "USER": true, "EXPOSE": true,
	"LABEL": true, "ARG": true, "CMD": true, "ENTRYPOINT": true,
}

// logicalLines joins backslash continuations and drops comments and blanks.
func logicalLines(content string) []string {
	var (
		lines []string
		cur   []string
	)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutSuffix(line, "\\"); ok {
			cur = append(cur, strings.TrimSpace(rest))
			continue
		}
		cur = append(cur, line)
		lines = append(lines, strings.Join(cur, " "))
		cur = nil
	}
	if len(cur) > 0 {
		lines = append(lines, strings.Join(cur, " "))
	}
	return lines
}

// parseDockerfile keeps the last FROM as the base. COPY and ADD are rejected
// since a sandbox image has no build context.
func parseDockerfile(content string) (dockerfile, error) {
	var df dockerfile
	for _, line := range logicalLines(content) {
		fields := strings.Fields(line)
		switch keyword := strings.ToUpper(fields[0]); {
		case keyword == "FROM":
			if len(fields) >= 2 {
				df.Base = fields[1]
			}
		case keyword == "COPY" || keyword == "ADD":
			return dockerfile{}, fmt.Errorf("%s is not supported by the modal backend: %s", keyword, line)
		case replayable[keyword]:
			df.Commands = append(df.Commands, line)
		}
	}
	if df.Base == "" {
		return dockerfile{}, fmt.Errorf("no FROM instruction found in Dockerfile")
	}
	return df, nil
}
