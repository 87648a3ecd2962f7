package factoryiq

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfFromConfigAndStreamBuilder(t *testing.T) {
	cfg := testConfig(t, server("plc1", 1))

	flow, err := ConfFromConfig(cfg, WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	dialer := &simDialer{}
	store := NewCallbackStore("cb", func(context.Context, []Sample) error { return nil })

	rt, err := flow.
		StreamIN(
			StreamInDialer(dialer),
			StreamInServer(server("plc2", 2, 3)),
		).
		StreamOUT(
			StreamOutStore(store),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if rt.dialer != dialer {
		t.Fatalf("expected custom dialer to be wired")
	}
	if rt.store != store {
		t.Fatalf("expected custom store to be wired")
	}
	if got := len(rt.Config().Servers); got != 2 {
		t.Fatalf("expected 2 servers, got %d", got)
	}
	if len(cfg.Servers) != 1 {
		t.Fatalf("caller's config was modified: %d servers", len(cfg.Servers))
	}
	if rt.Config().Servers[1].PublishInterval <= 0 {
		t.Fatalf("expected server defaults applied, got %+v", rt.Config().Servers[1])
	}
}

func TestStreamInServerRejectsDuplicateTag(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t, server("plc1", 1)), WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	_, err = flow.
		StreamIN(StreamInDialer(&simDialer{}), StreamInServer(server("plc2", 1))).
		StreamOUT(StreamOutCallback("cb", func(context.Context, []Sample) error { return nil }))
	if err == nil || !strings.Contains(err.Error(), "tag_id 1") {
		t.Fatalf("expected duplicate tag error, got %v", err)
	}
}

func TestStreamInServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	snapshot := `
servers:
  - name: press-2
    endpoint: opc.tcp://press-2:4840
    tags:
      - tag_id: 7
        node_id: ns=2;s=Press2.Force
`
	if err := os.WriteFile(path, []byte(snapshot), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	flow, err := ConfFromConfig(testConfig(t), WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	rt, err := flow.
		StreamIN(StreamInDialer(&simDialer{}), StreamInServersFile(path)).
		StreamOUT(StreamOutCallback("cb", func(context.Context, []Sample) error { return nil }))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	servers := rt.Config().Servers
	if len(servers) != 1 || servers[0].Name != "press-2" || servers[0].Tags[0].TagID != 7 {
		t.Fatalf("unexpected servers from snapshot: %+v", servers)
	}
}

func TestStreamInServersFileMissing(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	_, err = flow.
		StreamIN(StreamInServersFile(filepath.Join(t.TempDir(), "none.yaml"))).
		StreamOUT()
	if err == nil || !strings.Contains(err.Error(), "servers_file") {
		t.Fatalf("expected servers_file error, got %v", err)
	}
}

func TestStreamOutSQLiteAndTable(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t), WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	rt, err := flow.StreamOUT(
		StreamOutSQLite(filepath.Join(t.TempDir(), "hist.db")),
		StreamOutTable("line1_history"),
	)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	if got := rt.store.Name(); got != "sqlite" {
		t.Fatalf("expected sqlite store, got %q", got)
	}
	if got := rt.Config().Database.Table; got != "line1_history" {
		t.Fatalf("expected table line1_history, got %q", got)
	}
}

func TestStreamOutTableRejectsBadName(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t), WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	_, err = flow.StreamOUT(
		StreamOutSQLite(filepath.Join(t.TempDir(), "hist.db")),
		StreamOutTable("history; DROP TABLE x"),
	)
	if err == nil {
		t.Fatalf("expected invalid table error")
	}
}

func TestStreamOutCallbackBuildsStore(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t), WithFlowOptions(WithLogger(quietLogger())))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	rt, err := flow.StreamOUT(StreamOutCallback("stdout", func(context.Context, []Sample) error { return nil }))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())
	if got := rt.store.Name(); got != "stdout" {
		t.Fatalf("expected callback store name stdout, got %q", got)
	}
}

func TestConfFromConfigNil(t *testing.T) {
	if _, err := ConfFromConfig(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	var f *Flow
	if f.StreamIN() != nil || f.Config() != nil {
		t.Fatalf("nil flow should stay nil")
	}
	if _, err := f.StreamOUT(); err == nil {
		t.Fatalf("expected error for nil flow")
	}
}
