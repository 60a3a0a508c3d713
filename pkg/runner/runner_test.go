package runner

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/types"
)

func TestInferKind(t *testing.T) {
	tests := []struct {
		target string
		want   types.JobKind
		ok     bool
	}{
		{"report.py", types.KindPython, true},
		{"cleanup.sh", types.KindShell, true},
		{"invoice.php", types.KindPHP, true},
		{"sync.js", types.KindNode, true},
		{"deploy.yml", types.KindOrch, true},
		{"deploy.yaml", types.KindOrch, true},
		{"binary", "", false},
		{"archive.tar.gz", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, ok := InferKind(tt.target)
			if got != tt.want || ok != tt.ok {
				t.Errorf("InferKind(%q) = (%q, %v), want (%q, %v)", tt.target, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestWriteInventoryHosts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yml")
	hosts := map[string]string{"web1": "10.0.0.1", "web2": "10.0.0.2"}
	if err := WriteInventory(path, hosts); err != nil {
		t.Fatalf("WriteInventory() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var inv struct {
		All struct {
			Hosts map[string]map[string]string `yaml:"hosts"`
		} `yaml:"all"`
	}
	if err := yaml.Unmarshal(data, &inv); err != nil {
		t.Fatalf("inventory is not valid YAML: %v", err)
	}
	if inv.All.Hosts["web1"]["ansible_host"] != "10.0.0.1" {
		t.Errorf("web1 = %v, want ansible_host 10.0.0.1", inv.All.Hosts["web1"])
	}
	if len(inv.All.Hosts) != 2 {
		t.Errorf("hosts = %v, want 2 entries", inv.All.Hosts)
	}
}

func TestWriteInventoryLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yml")
	if err := WriteInventory(path, nil); err != nil {
		t.Fatalf("WriteInventory() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var inv struct {
		All struct {
			Hosts map[string]map[string]string `yaml:"hosts"`
		} `yaml:"all"`
	}
	if err := yaml.Unmarshal(data, &inv); err != nil {
		t.Fatal(err)
	}
	if inv.All.Hosts["localhost"]["ansible_connection"] != "local" {
		t.Errorf("empty inventory = %v, want localhost over a local connection", inv.All.Hosts)
	}
}

func TestResolvePlaybook(t *testing.T) {
	cfg := config.Default()
	r := New(cfg)

	t.Run("orchestration job runs its own playbook", func(t *testing.T) {
		job := &types.JobRecord{Kind: types.KindOrch, RunTarget: "rotate_certs.yml"}
		playbook, vars, err := r.resolvePlaybook(job)
		if err != nil {
			t.Fatal(err)
		}
		want := filepath.Join(cfg.PlaybookDir(), "rotate_certs.yml")
		if playbook != want {
			t.Errorf("playbook = %q, want %q", playbook, want)
		}
		if _, ok := vars["script_file"]; ok {
			t.Error("orchestration job should not carry script vars")
		}
	})

	t.Run("script job runs through the generic playbook", func(t *testing.T) {
		job := &types.JobRecord{
			Kind: types.KindPython, RunTarget: "report.py",
			Args:      []string{"--full", "--retries", "3"},
			ExtraVars: map[string]string{"region": "us-east"},
		}
		playbook, vars, err := r.resolvePlaybook(job)
		if err != nil {
			t.Fatal(err)
		}
		if playbook != filepath.Join(cfg.PlaybookDir(), scriptPlaybook) {
			t.Errorf("playbook = %q, want the script playbook", playbook)
		}
		if vars["script_file"] != "report.py" {
			t.Errorf("script_file = %v, want the bare run target", vars["script_file"])
		}
		if vars["script_type"] != "python" {
			t.Errorf("script_type = %v, want python", vars["script_type"])
		}
		if !reflect.DeepEqual(vars["script_args"], []string{"--full", "--retries", "3"}) {
			t.Errorf("script_args = %v, want the ordered args list", vars["script_args"])
		}
		if vars["region"] != "us-east" {
			t.Errorf("user extra vars dropped: %v", vars)
		}
	})

	t.Run("args with embedded spaces stay distinct", func(t *testing.T) {
		job := &types.JobRecord{Kind: types.KindShell, RunTarget: "x.sh", Args: []string{"a b", "c"}}
		_, vars, err := r.resolvePlaybook(job)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(vars["script_args"], []string{"a b", "c"}) {
			t.Errorf("script_args = %v, want [a b] and [c] as separate elements", vars["script_args"])
		}
	})

	t.Run("empty args still sets script_args", func(t *testing.T) {
		job := &types.JobRecord{Kind: types.KindShell, RunTarget: "x.sh"}
		_, vars, err := r.resolvePlaybook(job)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(vars["script_args"], []string{}) {
			t.Errorf("script_args = %v, want an empty list", vars["script_args"])
		}
	})

	t.Run("unknown kind fails", func(t *testing.T) {
		job := &types.JobRecord{Kind: "ruby", RunTarget: "x.rb"}
		if _, _, err := r.resolvePlaybook(job); err == nil {
			t.Error("expected an error for an unknown kind")
		}
	})
}

func writeEvent(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParseEvents(t *testing.T) {
	dir := t.TempDir()

	writeEvent(t, dir, "1-start.json", `{"event":"playbook_on_start"}`)
	writeEvent(t, dir, "2-ok.json", `{
		"event": "runner_on_ok",
		"event_data": {
			"task": "copy script",
			"host": "web1",
			"res": {"rc": 0, "stdout_lines": ["done"], "stderr_lines": []}
		}
	}`)
	writeEvent(t, dir, "3-failed.json", `{
		"event": "runner_on_failed",
		"event_data": {
			"task": "run script",
			"host": "web1",
			"res": {"rc": 2, "cmd": ["/usr/bin/python3", "report.py"], "stdout_lines": [], "stderr_lines": ["Traceback", "ValueError"], "msg": "non-zero return code"}
		}
	}`)
	writeEvent(t, dir, "4-stats.json", `{"event":"playbook_on_stats"}`)

	tasks, errs, err := ParseEvents(dir)
	if err != nil {
		t.Fatalf("ParseEvents() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].Task != "copy script" || tasks[0].RC != 0 {
		t.Errorf("tasks[0] = %+v", tasks[0])
	}
	if tasks[1].Task != "run script" || tasks[1].RC != 2 {
		t.Errorf("tasks[1] = %+v", tasks[1])
	}
	if len(tasks[1].Cmd) != 2 || tasks[1].Cmd[0] != "/usr/bin/python3" {
		t.Errorf("cmd = %v, want the argv list", tasks[1].Cmd)
	}
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one failure line", errs)
	}
	want := "Task: run script, Host: web1, Error: Traceback\nValueError"
	if errs[0] != want {
		t.Errorf("errs[0] = %q, want %q", errs[0], want)
	}
}

func TestParseEventsMsgFallback(t *testing.T) {
	dir := t.TempDir()
	// no stderr: the module msg carries the failure detail
	writeEvent(t, dir, "1-failed.json", `{
		"event": "runner_on_failed",
		"event_data": {
			"task": "assert disk space",
			"host": "db1",
			"res": {"rc": 1, "msg": "Assertion failed"}
		}
	}`)

	_, errs, err := ParseEvents(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "Error: Assertion failed") {
		t.Errorf("errs = %v, want the module msg as detail", errs)
	}
}

func TestParseEventsTolerantOfGarbage(t *testing.T) {
	dir := t.TempDir()
	writeEvent(t, dir, "1-partial.json", `{"event": "runner_on_ok", "event_data"`)
	writeEvent(t, dir, "2-ok.json", `{
		"event": "runner_on_ok",
		"event_data": {"task": "t", "host": "h", "res": {"rc": 0}}
	}`)

	tasks, _, err := ParseEvents(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("tasks = %d, want the valid event only", len(tasks))
	}
}

func TestParseEventsMissingDir(t *testing.T) {
	tasks, errs, err := ParseEvents(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ParseEvents() error = %v, want empty results", err)
	}
	if len(tasks) != 0 || len(errs) != 0 {
		t.Errorf("tasks/errs = %v/%v, want empty", tasks, errs)
	}
}

func TestReadRC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rc")
	if err := os.WriteFile(path, []byte("2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rc, err := ReadRC(path)
	if err != nil {
		t.Fatalf("ReadRC() error = %v", err)
	}
	if rc != 2 {
		t.Errorf("rc = %d, want 2", rc)
	}

	if _, err := ReadRC(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected an error for a missing rc file")
	}
}
