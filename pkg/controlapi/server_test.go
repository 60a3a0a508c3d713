package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/store"
	"github.com/dockschedule/dockschedule/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	results map[string]*store.JobResult
}

func (f *fakeStore) Count(_ context.Context, coll string, _ any) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[coll]
}

func (f *fakeStore) GetJobResult(_ context.Context, id string) (*store.JobResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	return res, ok
}

func (f *fakeStore) setResult(id string, res *store.JobResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[id] = res
}

func testServer() *Server {
	return NewServer(config.Default(), &fakeStore{
		counts:  map[string]int64{},
		results: map[string]*store.JobResult{},
	})
}

func TestIsRunning(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleIsRunning(rec, httptest.NewRequest(http.MethodGet, "/is-running", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunJobEnqueuesSkeleton(t *testing.T) {
	s := testServer()
	body := `{"kind":"python","runTarget":"report.py","args":["--full"],"extraVars":{"region":"us-east"}}`
	rec := httptest.NewRecorder()
	s.handleRunJob(rec, httptest.NewRequest(http.MethodPost, "/run-job", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp RunJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID, "response should carry the new job ID")

	select {
	case msg := <-s.Messages():
		assert.Equal(t, MsgRunJob, msg.Kind)
		assert.Equal(t, resp.ID, msg.Job.ID)
		assert.Equal(t, "manual-python-report.py", msg.Job.Name)
		assert.Equal(t, types.KindPython, msg.Job.Kind)
		assert.Equal(t, "report.py", msg.Job.RunTarget)
		assert.Equal(t, []string{"--full"}, msg.Job.Args)
		assert.Equal(t, "us-east", msg.Job.ExtraVars["region"])
	default:
		t.Fatal("no message queued")
	}
}

func TestRunJobExplicitName(t *testing.T) {
	s := testServer()
	body := `{"name":"ad-hoc","kind":"shell","runTarget":"x.sh"}`
	rec := httptest.NewRecorder()
	s.handleRunJob(rec, httptest.NewRequest(http.MethodPost, "/run-job", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	msg := <-s.Messages()
	assert.Equal(t, "ad-hoc", msg.Job.Name)
}

func TestRunJobRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unparsable body", `{"kind":`, http.StatusInternalServerError},
		{"unknown kind", `{"kind":"ruby","runTarget":"x.rb"}`, http.StatusBadRequest},
		{"missing run target", `{"kind":"shell"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer()
			rec := httptest.NewRecorder()
			s.handleRunJob(rec, httptest.NewRequest(http.MethodPost, "/run-job", strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, rec.Code)
			select {
			case msg := <-s.Messages():
				t.Errorf("unexpected message queued: %+v", msg)
			default:
			}
		})
	}
}

func TestRunJobWait(t *testing.T) {
	if testing.Short() {
		t.Skip("polls on a one second interval")
	}
	ok := true
	st := &fakeStore{
		counts:  map[string]int64{},
		results: map[string]*store.JobResult{},
	}
	s := NewServer(config.Default(), st)

	// a result exists for the job as soon as the first poll happens
	go func() {
		msg := <-s.msgs
		st.setResult(msg.Job.ID, &store.JobResult{Result: &ok, Errors: []string{}})
	}()

	body := `{"kind":"shell","runTarget":"x.sh","wait":true}`
	rec := httptest.NewRecorder()
	s.handleRunJob(rec, httptest.NewRequest(http.MethodPost, "/run-job", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp RunJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.True(t, *resp.Result)
}

func TestRunJobBusy(t *testing.T) {
	s := testServer()
	for i := 0; i < messageBuffer; i++ {
		s.msgs <- Message{Kind: MsgJobUpdate}
	}

	body := `{"kind":"shell","runTarget":"x.sh"}`
	rec := httptest.NewRecorder()
	s.handleRunJob(rec, httptest.NewRequest(http.MethodPost, "/run-job", strings.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "full channel should shed load")
}

func TestJobUpdateEnqueuesReload(t *testing.T) {
	s := testServer()
	rec := httptest.NewRecorder()
	s.handleJobUpdate(rec, httptest.NewRequest(http.MethodPost, "/job-update", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case msg := <-s.Messages():
		assert.Equal(t, MsgJobUpdate, msg.Kind)
	default:
		t.Fatal("no message queued")
	}
}
