package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dockschedule/dockschedule/pkg/types"
)

// runner event types that carry per-task results
const (
	eventTaskOK     = "runner_on_ok"
	eventTaskFailed = "runner_on_failed"
)

type runnerEvent struct {
	Event     string `json:"event"`
	EventData struct {
		Task string `json:"task"`
		Host string `json:"host"`
		Res  struct {
			RC          int             `json:"rc"`
			Cmd         json.RawMessage `json:"cmd"`
			StdoutLines []string        `json:"stdout_lines"`
			StderrLines []string        `json:"stderr_lines"`
			Msg         json.RawMessage `json:"msg"`
		} `json:"res"`
	} `json:"event_data"`
}

// ParseEvents reads the job_events artifact directory and extracts one
// TaskOutcome per task result event, plus a human-readable error line per
// failed task. A missing directory yields empty results, which happens when
// the runner fails before the play starts.
func ParseEvents(dir string) ([]types.TaskOutcome, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []types.TaskOutcome{}, []string{}, nil
		}
		return nil, nil, fmt.Errorf("failed to read job events: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// event files are counter-prefixed, lexical order is play order
	sort.Strings(names)

	tasks := []types.TaskOutcome{}
	errors := []string{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read job event %s: %w", name, err)
		}
		var ev runnerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			// partial writes happen when a run is interrupted
			continue
		}
		if ev.Event != eventTaskOK && ev.Event != eventTaskFailed {
			continue
		}
		res := ev.EventData.Res
		out := types.TaskOutcome{
			Task:   ev.EventData.Task,
			Host:   ev.EventData.Host,
			RC:     res.RC,
			Cmd:    cmdLines(res.Cmd),
			Stdout: res.StdoutLines,
			Stderr: res.StderrLines,
			Msg:    msgString(res.Msg),
		}
		tasks = append(tasks, out)
		if ev.Event == eventTaskFailed {
			errors = append(errors, failureLine(out))
		}
	}
	return tasks, errors, nil
}

// failureLine summarises one failed task for the job record's error list.
// Stderr wins over the module message when both are present.
func failureLine(t types.TaskOutcome) string {
	detail := t.Msg
	if len(t.Stderr) > 0 {
		detail = strings.Join(t.Stderr, "\n")
	}
	return fmt.Sprintf("Task: %s, Host: %s, Error: %s", t.Task, t.Host, detail)
}

// cmdLines renders the module cmd field, which ansible emits as either a
// command string or an argv list
func cmdLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

// msgString renders the module msg field, which ansible emits as either a
// string or a list of strings
func msgString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "\n")
	}
	return string(raw)
}

// ReadRC reads the exit code artifact the runner writes at the end of a run
func ReadRC(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read runner rc: %w", err)
	}
	rc, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid runner rc %q: %w", strings.TrimSpace(string(data)), err)
	}
	return rc, nil
}
