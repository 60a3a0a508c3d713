package types

import (
	"testing"
	"time"
)

func validSpec() *CronSpec {
	return &CronSpec{
		ID:        "c1",
		Name:      "nightly-report",
		Kind:      KindPython,
		RunTarget: "report.py",
		Frequency: FrequencyDay,
		At:        "02:30",
	}
}

func TestValidateCronSpec(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *CronSpec)
		wantErr bool
	}{
		{
			name:   "valid daily at spec",
			mutate: func(s *CronSpec) {},
		},
		{
			name: "valid interval spec",
			mutate: func(s *CronSpec) {
				s.Frequency = FrequencySecond
				s.At = ""
				s.Interval = 30
			},
		},
		{
			name:    "missing name",
			mutate:  func(s *CronSpec) { s.Name = "" },
			wantErr: true,
		},
		{
			name:    "unknown kind",
			mutate:  func(s *CronSpec) { s.Kind = "ruby" },
			wantErr: true,
		},
		{
			name:    "missing run target",
			mutate:  func(s *CronSpec) { s.RunTarget = "" },
			wantErr: true,
		},
		{
			name:    "unknown frequency",
			mutate:  func(s *CronSpec) { s.Frequency = "fortnight" },
			wantErr: true,
		},
		{
			name: "both interval and at",
			mutate: func(s *CronSpec) {
				s.Interval = 5
			},
			wantErr: true,
		},
		{
			name: "neither interval nor at",
			mutate: func(s *CronSpec) {
				s.At = ""
			},
			wantErr: true,
		},
		{
			name: "second frequency with at",
			mutate: func(s *CronSpec) {
				s.Frequency = FrequencySecond
				s.At = ":30"
			},
			wantErr: true,
		},
		{
			name:   "valid timezone",
			mutate: func(s *CronSpec) { s.Timezone = "America/New_York" },
		},
		{
			name:    "invalid timezone",
			mutate:  func(s *CronSpec) { s.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			err := ValidateCronSpec(spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCronSpec() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAtTime(t *testing.T) {
	tests := []struct {
		freq    Frequency
		at      string
		wantErr bool
	}{
		{FrequencyMinute, ":30", false},
		{FrequencyMinute, ":05", false},
		{FrequencyMinute, ":5", true},
		{FrequencyMinute, "30", true},
		{FrequencyMinute, "00:30", true},
		{FrequencyHour, ":05", false},
		{FrequencyHour, "30:05", false},
		{FrequencyHour, "7:05", true},
		{FrequencyHour, "30:5", true},
		{FrequencyHour, "07:30:05", true},
		{FrequencyDay, "12:30", false},
		{FrequencyDay, "12:30:05", false},
		// only the shape is checked, field ranges are not
		{FrequencyDay, "25:00", false},
		{FrequencyDay, "7:00", true},
		{FrequencyDay, ":30", true},
		{FrequencyDay, "12-30", true},
		{FrequencyDay, "ab:cd", true},
		{FrequencySecond, ":30", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.freq)+" "+tt.at, func(t *testing.T) {
			err := ValidateAtTime(tt.freq, tt.at)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAtTime(%q, %q) error = %v, wantErr %v", tt.freq, tt.at, err, tt.wantErr)
			}
		})
	}
}

func TestNewJobFromCron(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	spec := validSpec()
	spec.Args = []string{"--full"}
	spec.HostInventory = map[string]string{"web1": "10.0.0.1"}

	job := NewJobFromCron("j1", spec, now)

	if job.ID != "j1" || job.CronID != spec.ID {
		t.Errorf("job identity = (%q, %q), want (j1, %q)", job.ID, job.CronID, spec.ID)
	}
	if job.State != JobStatePending {
		t.Errorf("job state = %q, want pending", job.State)
	}
	if job.Result != nil {
		t.Error("fresh job should have nil result")
	}
	if !job.Scheduled.Equal(now) || !job.Resent.Equal(now) {
		t.Errorf("scheduled/resent = %v/%v, want %v", job.Scheduled, job.Resent, now)
	}
	if !job.ExpiryTime.Equal(now.Add(JobExpiry)) {
		t.Errorf("expiry = %v, want %v", job.ExpiryTime, now.Add(JobExpiry))
	}
	if job.ResendAttempt != 0 {
		t.Errorf("resendAttempt = %d, want 0", job.ResendAttempt)
	}
	if len(job.Errors) != 0 || len(job.Tasks) != 0 {
		t.Error("fresh job should have empty errors and tasks")
	}
}
