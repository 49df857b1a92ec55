package reproduce

import (
	"errors"
	"testing"

	"github.com/hlefeuvre/compartfuzz/internal/corpus"
	"github.com/hlefeuvre/compartfuzz/internal/supervisor"
	"github.com/hlefeuvre/compartfuzz/internal/triage"
)

// TestReproduceCritErrorOnPersistentSetupFailure ensures a reproduce loop
// facing a permanently broken session factory terminates as CRIT_ERROR
// rather than spinning forever without consuming its budget.
func TestReproduceCritErrorOnPersistentSetupFailure(t *testing.T) {
	r := New(func() (*supervisor.Supervisor, error) {
		return nil, errors.New("boom")
	}, triage.New(triage.SandboxMode))

	outcome := r.Reproduce(corpus.New(), 0, 100)
	if outcome != CritError {
		t.Fatalf("outcome = %v, want CRIT_ERROR", outcome)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		Success:        "SUCCESS",
		Unreproducible: "UNREPRODUCIBLE",
		Failure:        "FAILURE",
		ErrorOutcome:   "ERROR",
		CritError:      "CRIT_ERROR",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
