package testutil

import "testing"

// Given, When and Then run fn as a named subtest so scenario tests read as
// a narrative in `go test -v` output.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Given", desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "When", desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	step(t, "Then", desc, fn)
}

// A failed step fails the scenario; later steps still run and report.
func step(t *testing.T, keyword, desc string, fn func(t *testing.T)) {
	t.Helper()
	if !t.Run(keyword+" "+desc, fn) {
		t.Errorf("%s step failed: %s", keyword, desc)
	}
}
