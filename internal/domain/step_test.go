package domain

import "testing"

func TestStepStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepRunning, true},
		{StepPending, StepSuccess, true},
		{StepPending, StepError, true},
		{StepRunning, StepSuccess, true},
		{StepRunning, StepError, true},
		{StepRunning, StepPending, false},
		{StepSuccess, StepRunning, false},
		{StepSuccess, StepError, false},
		{StepError, StepSuccess, false},
		{StepError, StepRunning, false},
		{StepSuccess, StepSuccess, false},
		{StepPending, StepPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStepValidate(t *testing.T) {
	step := Step{
		ID:            "step-1",
		JobID:         "job-1",
		Name:          "load",
		HandlerType:   "storage",
		Action:        "put_object",
		Status:        StepPending,
		CorrelationID: "corr-1",
	}
	if err := step.Validate(); err != nil {
		t.Fatalf("valid step rejected: %v", err)
	}

	missing := step
	missing.JobID = ""
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected error for missing job id")
	}

	badStatus := step
	badStatus.Status = "done"
	if err := badStatus.Validate(); err == nil {
		t.Fatalf("expected error for unknown status")
	}

	badRef := step
	badRef.Inputs = []DataReference{{RefType: "blob", Location: "x"}}
	if err := badRef.Validate(); err == nil {
		t.Fatalf("expected error for unknown ref type")
	}
}

func TestMergeDataReferencesDedups(t *testing.T) {
	a := DataReference{RefType: RefTable, Location: "staging.cleaned"}
	b := DataReference{RefType: RefTable, Location: "staging.cleaned", Metadata: Metadata{"rows": 10}}
	c := DataReference{RefType: RefFile, Location: "s3://bucket/raw.csv", Format: "csv"}

	merged := MergeDataReferences([]DataReference{a}, []DataReference{a, b, c})
	if len(merged) != 3 {
		t.Fatalf("expected 3 references, got %d", len(merged))
	}
	if !merged[0].Equal(a) || !merged[1].Equal(b) || !merged[2].Equal(c) {
		t.Fatalf("merge reordered references: %+v", merged)
	}

	again := MergeDataReferences(merged, []DataReference{a, b, c})
	if len(again) != 3 {
		t.Fatalf("duplicate merge grew the sequence: %d", len(again))
	}
}

func TestMergeExecutionRecordsDedups(t *testing.T) {
	sql := SQLExecution("duckdb", []string{"SELECT 1"})
	other := ExecutionRecord{ExecType: ExecRemoteCall, Details: Metadata{"endpoint": "https://api"}}

	merged := MergeExecutionRecords(nil, []ExecutionRecord{sql, sql, other})
	if len(merged) != 2 {
		t.Fatalf("expected 2 records, got %d", len(merged))
	}
	if merged[0].ExecType != ExecSQL || merged[1].ExecType != ExecRemoteCall {
		t.Fatalf("unexpected merge order: %+v", merged)
	}
}

func TestDataReferenceEqualIsStructural(t *testing.T) {
	a := DataReference{RefType: RefTable, Location: "main.users", Metadata: Metadata{"rows": int64(5)}}
	b := DataReference{RefType: RefTable, Location: "main.users", Metadata: Metadata{"rows": int64(5)}}
	if !a.Equal(b) {
		t.Fatalf("expected structural equality")
	}
	b.Metadata = Metadata{"rows": int64(6)}
	if a.Equal(b) {
		t.Fatalf("expected metadata difference to break equality")
	}
}
