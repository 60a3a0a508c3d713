// Package runner executes one job through the ansible-runner CLI. Each run
// gets a private scratch directory holding the generated inventory and
// extra vars; outcomes are read back from the artifact directory the CLI
// leaves behind.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
	"github.com/dockschedule/dockschedule/pkg/types"
)

// scriptPlaybook wraps non-orchestration jobs in a generic playbook that
// copies the script to the target and runs it with the right interpreter
const scriptPlaybook = "run_job_script.yml"

// Result is what one job execution produced
type Result struct {
	RC     int
	Tasks  []types.TaskOutcome
	Errors []string
}

// Succeeded reports whether the run finished cleanly
func (r *Result) Succeeded() bool { return r.RC == 0 }

// Runner executes jobs for one worker
type Runner struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a runner using cfg for every path decision
func New(cfg *config.Config) *Runner {
	return &Runner{cfg: cfg, logger: log.WithComponent("runner")}
}

// Run executes the job and collects its task outcomes. An error means the
// run could not be attempted at all; a failed job comes back as a Result
// with a non-zero RC.
func (r *Runner) Run(ctx context.Context, job *types.JobRecord) (*Result, error) {
	dir, err := os.MkdirTemp("", "job-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	invPath := filepath.Join(dir, "inventory.yml")
	if err := WriteInventory(invPath, job.HostInventory); err != nil {
		return nil, err
	}

	playbook, extraVars, err := r.resolvePlaybook(job)
	if err != nil {
		return nil, err
	}
	if err := writeExtraVars(dir, extraVars); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "ansible-runner", "run", dir,
		"-p", playbook,
		"--inventory", invPath,
		"--ident", job.ID,
	)
	cmd.Env = append(os.Environ(),
		"ANSIBLE_CONFIG="+r.cfg.AnsibleConfigFile(),
		"ANSIBLE_PYTHON_INTERPRETER=/usr/bin/python3",
		"ANSIBLE_PRIVATE_KEY_FILE="+r.cfg.AnsiblePrivateKeyFile(),
	)

	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		r.logger.Debug().Err(runErr).Str("job_id", job.ID).
			Str("output", strings.TrimSpace(string(out))).Msg("Runner exited non-zero")
	}

	artifactDir := filepath.Join(dir, "artifacts", job.ID)
	tasks, errors, err := ParseEvents(filepath.Join(artifactDir, "job_events"))
	if err != nil {
		return nil, err
	}
	rc, err := ReadRC(filepath.Join(artifactDir, "rc"))
	if err != nil {
		// runner died before writing rc, count the run as failed
		if runErr == nil {
			return nil, err
		}
		rc = 1
		errors = append(errors, fmt.Sprintf("runner did not complete: %v", runErr))
	}
	return &Result{RC: rc, Tasks: tasks, Errors: errors}, nil
}

// resolvePlaybook maps a job onto a playbook plus the extra vars it needs.
// Orchestration jobs run their own playbook; every other kind runs through
// the generic script playbook.
func (r *Runner) resolvePlaybook(job *types.JobRecord) (string, map[string]any, error) {
	extraVars := make(map[string]any, len(job.ExtraVars)+3)
	for k, v := range job.ExtraVars {
		extraVars[k] = v
	}
	if job.Kind == types.KindOrch {
		return filepath.Join(r.cfg.PlaybookDir(), job.RunTarget), extraVars, nil
	}
	if !types.KnownKind(job.Kind) {
		return "", nil, fmt.Errorf("unknown job kind: %s", job.Kind)
	}
	args := job.Args
	if args == nil {
		args = []string{}
	}
	extraVars["script_file"] = job.RunTarget
	extraVars["script_type"] = string(job.Kind)
	extraVars["script_args"] = args
	return filepath.Join(r.cfg.PlaybookDir(), scriptPlaybook), extraVars, nil
}

// WriteInventory renders the job's host inventory. An empty inventory means
// the job runs on the worker itself over a local connection.
func WriteInventory(path string, hosts map[string]string) error {
	hostVars := make(map[string]map[string]string)
	if len(hosts) == 0 {
		hostVars["localhost"] = map[string]string{"ansible_connection": "local"}
	} else {
		for name, addr := range hosts {
			hostVars[name] = map[string]string{"ansible_host": addr}
		}
	}
	inv := map[string]any{
		"all": map[string]any{"hosts": hostVars},
	}
	data, err := yaml.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to render inventory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write inventory: %w", err)
	}
	return nil
}

// writeExtraVars drops env/extravars where the runner CLI picks it up
func writeExtraVars(dir string, vars map[string]any) error {
	envDir := filepath.Join(dir, "env")
	if err := os.MkdirAll(envDir, 0o700); err != nil {
		return fmt.Errorf("failed to create env dir: %w", err)
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to render extra vars: %w", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "extravars"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write extra vars: %w", err)
	}
	return nil
}

// InferKind maps a run target's suffix to a job kind
func InferKind(runTarget string) (types.JobKind, bool) {
	switch filepath.Ext(runTarget) {
	case ".py":
		return types.KindPython, true
	case ".sh":
		return types.KindShell, true
	case ".php":
		return types.KindPHP, true
	case ".js":
		return types.KindNode, true
	case ".yml", ".yaml":
		return types.KindOrch, true
	}
	return "", false
}
