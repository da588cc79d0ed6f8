package router

import "testing"

func TestMountDispatchScenario(t *testing.T) {
	table := Build([]Route{{WorkerName: "m", Pattern: "host/m*"}})

	m := table.Dispatch("host", "/m")
	if m.WorkerName != "m" {
		t.Fatalf("Dispatch(host, /m) = %+v, want worker m", m)
	}
	if m.StrippedPath != "/" {
		t.Errorf("StrippedPath = %q, want /", m.StrippedPath)
	}

	other := table.Dispatch("host", "/other")
	if other.WorkerName != "" {
		t.Errorf("Dispatch(host, /other) = %+v, want root", other)
	}
}

func TestMountDispatchAfterRouteChange(t *testing.T) {
	table := Build([]Route{{WorkerName: "m", Pattern: "host/new-m*"}})

	m := table.Dispatch("host", "/m")
	if m.WorkerName != "" {
		t.Errorf("Dispatch(host, /m) after route change = %+v, want root", m)
	}
	newM := table.Dispatch("host", "/new-m")
	if newM.WorkerName != "m" {
		t.Errorf("Dispatch(host, /new-m) = %+v, want worker m", newM)
	}
}

func TestLongestLiteralPrefixWins(t *testing.T) {
	table := Build([]Route{
		{WorkerName: "short", Pattern: "host/a*"},
		{WorkerName: "long", Pattern: "host/api*"},
	})
	m := table.Dispatch("host", "/api/v1")
	if m.WorkerName != "long" {
		t.Errorf("Dispatch = %+v, want worker long (longest literal prefix)", m)
	}
}

func TestHostGlobMatches(t *testing.T) {
	table := Build([]Route{{WorkerName: "wild", Pattern: "*.example.com/*"}})
	m := table.Dispatch("api.example.com", "/anything")
	if m.WorkerName != "wild" {
		t.Errorf("Dispatch(api.example.com) = %+v, want worker wild", m)
	}
}

func TestStripLiteralPrefixLeavesLeadingSlash(t *testing.T) {
	table := Build([]Route{{WorkerName: "m", Pattern: "host/m/*"}})
	m := table.Dispatch("host", "/m/sub/path")
	if m.StrippedPath != "/sub/path" {
		t.Errorf("StrippedPath = %q, want /sub/path", m.StrippedPath)
	}
}

func TestNoMatchFallsBackToRoot(t *testing.T) {
	table := Build(nil)
	m := table.Dispatch("anyhost", "/anypath")
	if m.WorkerName != "" || m.StrippedPath != "/anypath" {
		t.Errorf("Dispatch with no routes = %+v, want root with unstripped path", m)
	}
}
