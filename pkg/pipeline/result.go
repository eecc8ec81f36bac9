package pipeline

import "time"

// Failure describes a failed run. LastPage is the index of the last page
// fetched successfully and is only meaningful for transient upstream
// failures, where it tells the caller what a resumed run could skip.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	LastPage int         `json:"last_page,omitempty"`
}

// Result is the terminal artifact of one run. On success CSVPath points at
// the written artifact; on failure the counts still describe the partial
// dataset that was accumulated before the run stopped, but no file exists.
type Result struct {
	RunID     string        `json:"run_id"`
	State     State         `json:"state"`
	CSVPath   string        `json:"csv_path,omitempty"`
	Rows      int           `json:"rows"`
	Skipped   int           `json:"skipped"`
	Anomalies int           `json:"anomalies"`
	Pages     int           `json:"pages"`
	Duration  time.Duration `json:"duration"`
	Failure   *Failure      `json:"failure,omitempty"`
}

// OK reports whether the run completed with an output file.
func (r Result) OK() bool {
	return r.State == StateDone
}
