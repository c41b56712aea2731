package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/config"
	"github.com/alekspetrov/ticketd/internal/gateway"
	"github.com/alekspetrov/ticketd/internal/health"
	"github.com/alekspetrov/ticketd/internal/hub"
	"github.com/alekspetrov/ticketd/internal/orchestrator"
	"github.com/alekspetrov/ticketd/internal/testutil"
	"github.com/alekspetrov/ticketd/internal/ticket"
	"github.com/alekspetrov/ticketd/internal/webhooks"
)

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.Storage.Path = filepath.Join(dir, "tickets.db")
	cfg.Files.UploadDir = dir
	cfg.Orchestrator.Workers = 1
	cfg.Orchestrator.DequeueWait = 50 * time.Millisecond
	cfg.Orchestrator.RequeueDelay = 50 * time.Millisecond
	return cfg
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Enabled = true
	cfg.Retention.Days = 7
	cfg.Retention.DryRun = true

	oc := orchestratorConfig(cfg, 0)
	if oc.Workers != 1 || oc.ProcessingTimeout != cfg.Orchestrator.ProcessingTimeout {
		t.Errorf("config = %+v", oc)
	}
	if !oc.RetentionEnabled || oc.RetentionAge != 7*24*time.Hour || !oc.RetentionDryRun {
		t.Errorf("retention = %+v", oc)
	}
	if oc.RetentionSchedule != cfg.Retention.Schedule {
		t.Errorf("retention schedule = %q", oc.RetentionSchedule)
	}

	if oc := orchestratorConfig(cfg, 9); oc.Workers != 9 {
		t.Errorf("workers override = %d", oc.Workers)
	}
}

func TestProcessorDepsLeaveUnconfiguredClientsNil(t *testing.T) {
	cfg := testConfig(t)
	d := processorDeps(cfg)
	if d.AI != nil {
		t.Error("AI client built without an endpoint")
	}
	if d.DataPlatform != nil {
		t.Error("data platform client built without an endpoint")
	}
	if d.GitHub == nil || d.Files == nil {
		t.Error("github and files should always be available")
	}

	cfg.AI.Endpoint = "https://example.openai.azure.com"
	cfg.DataPlatform.Endpoint = "https://data.example"
	d = processorDeps(cfg)
	if d.AI == nil || d.DataPlatform == nil {
		t.Error("configured clients missing")
	}
}

func TestOpenStore(t *testing.T) {
	cfg := testConfig(t)
	st, err := openStore(context.Background(), cfg.Storage)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if _, err := openStore(context.Background(), &config.StorageConfig{Driver: "mysql"}); err == nil {
		t.Error("unknown driver accepted")
	}
}

func TestReadInput(t *testing.T) {
	raw, err := readInput("", "")
	if err != nil || string(raw) != "{}" {
		t.Errorf("empty input = %s, %v", raw, err)
	}
	if _, err := readInput("{not json", ""); err == nil {
		t.Error("invalid JSON accepted")
	}

	path := filepath.Join(t.TempDir(), "in.json")
	if err := os.WriteFile(path, []byte(`{"prompt":"hi"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	raw, err = readInput("", path)
	if err != nil || string(raw) != `{"prompt":"hi"}` {
		t.Errorf("file input = %s, %v", raw, err)
	}

	commented := filepath.Join(t.TempDir(), "in.jsonc")
	src := "{\n  // owner's repo\n  \"repo\": \"a/b\",\n}\n"
	if err := os.WriteFile(commented, []byte(src), 0o600); err != nil {
		t.Fatal(err)
	}
	raw, err = readInput("", commented)
	if err != nil {
		t.Fatalf("commented input: %v", err)
	}
	var in map[string]string
	if err := json.Unmarshal(raw, &in); err != nil || in["repo"] != "a/b" {
		t.Errorf("commented input = %s, %v", raw, err)
	}
}

func TestMaskSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "supersecretvalue"
	cfg.AI.APIKey = "short"
	cfg.Webhooks = &webhooks.Config{Endpoints: []*webhooks.EndpointConfig{{Secret: "whsec_abcdefgh"}}}

	maskSecrets(cfg)
	if cfg.Auth.JWTSecret != "supe****" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.AI.APIKey != "****" {
		t.Errorf("api key = %q", cfg.AI.APIKey)
	}
	if cfg.GitHub.Token != "" {
		t.Errorf("empty token became %q", cfg.GitHub.Token)
	}
	if cfg.Webhooks.Endpoints[0].Secret != "whse****" {
		t.Errorf("webhook secret = %q", cfg.Webhooks.Endpoints[0].Secret)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("init output = %q", out)
	}
	if _, err := execute(t, "config", "init", "--config", path); err == nil {
		t.Error("init overwrote an existing file without --force")
	}

	out, err = execute(t, "config", "show", "--config", path, "--json")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var shown map[string]any
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show --json output is not JSON: %v\n%s", err, out)
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Auth = &gateway.AuthConfig{Type: gateway.AuthTypeJWT, JWTSecret: testutil.FakeJWTSecret, TokenTTL: time.Hour}
	if err := config.Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "token", "alice", "--config", path)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := gateway.NewTokenService(cfg.Auth.JWTSecret, time.Hour).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token rejected: %v", err)
	}
	if claims.Owner != "alice" {
		t.Errorf("owner = %q", claims.Owner)
	}

	empty := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(config.DefaultConfig(), empty); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "token", "alice", "--config", empty); err == nil {
		t.Error("token minted without a secret")
	}
}

func TestPrintReport(t *testing.T) {
	cfg := testConfig(t)
	report := health.RunChecks(context.Background(), cfg, livePingers(cfg))

	var buf bytes.Buffer
	printReport(&buf, report, true)
	out := buf.String()
	for _, want := range []string{"Dependencies:", "Configuration:", "Features Status:", "Ready to start"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

// startNode runs a single-process node behind httptest.
func startNode(t *testing.T) string {
	t.Helper()
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	b, err := openBackend(ctx, cfg)
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	h := hub.New()
	orch := orchestrator.New(orchestratorConfig(cfg, 0), b.store, b.queue, b.guard, b.registry, h)
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv, err := gateway.NewServer(cfg.Gateway, orch, h, gatewayOptions(cfg)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		orch.Stop()
		h.Close()
		b.Close()
	})
	return ts.URL
}

func TestClientCommandsEndToEnd(t *testing.T) {
	url := startNode(t)
	common := []string{"--server", url, "--owner", "alice"}
	run := func(args ...string) string {
		t.Helper()
		out, err := execute(t, append(args, common...)...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out
	}

	out := run("submit", "custom", "--title", "Say hi", "--input", `{"task_description":"say hi"}`, "--json")
	var submitted ticket.Ticket
	if err := json.Unmarshal([]byte(out), &submitted); err != nil {
		t.Fatalf("submit output: %v\n%s", err, out)
	}
	if submitted.Owner != "alice" || submitted.Kind != ticket.KindCustom {
		t.Fatalf("submitted = %+v", submitted)
	}

	// No AI endpoint is configured, so the run fails permanently.
	var got ticket.Ticket
	deadline := time.Now().Add(5 * time.Second)
	for {
		out = run("get", submitted.ID, "--json")
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("get output: %v\n%s", err, out)
		}
		if got.State == ticket.StateFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticket stuck in %s", got.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Error == nil || got.Error.Code != ticket.CodeUpstreamAI || got.Error.Retryable {
		t.Errorf("failure = %+v", got.Error)
	}

	out = run("get", submitted.ID, "--attempts")
	if !strings.Contains(out, "Attempts:") || !strings.Contains(out, "#1") {
		t.Errorf("get --attempts output:\n%s", out)
	}

	out = run("list", "--state", "failed")
	if !strings.Contains(out, submitted.ID) || !strings.Contains(out, "1 of 1 shown") {
		t.Errorf("list output:\n%s", out)
	}

	// Another owner sees nothing.
	out, err := execute(t, "list", "--server", url, "--owner", "bob")
	if err != nil || !strings.Contains(out, "No tickets") {
		t.Errorf("bob's list = %q, %v", out, err)
	}
	if _, err := execute(t, "get", submitted.ID, "--server", url, "--owner", "bob"); err == nil {
		t.Error("bob can read alice's ticket")
	}

	out = run("reprocess", submitted.ID)
	if !strings.Contains(out, "Reprocessing "+submitted.ID) {
		t.Errorf("reprocess output = %q", out)
	}

	if _, err := execute(t, append([]string{"submit", "bogus"}, common...)...); err == nil {
		t.Error("unknown kind accepted")
	}

	out = run("edit", submitted.ID, "--title", "Say hello", "--priority", "high")
	if !strings.Contains(out, "Say hello [high]") {
		t.Errorf("edit output = %q", out)
	}
	if _, err := execute(t, append([]string{"edit", submitted.ID}, common...)...); err == nil {
		t.Error("edit without flags accepted")
	}

	doc := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(doc, []byte("# Notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	out = strings.TrimSpace(run("upload", doc))
	if !strings.HasPrefix(out, "alice/") || !strings.HasSuffix(out, "-notes.md") {
		t.Errorf("upload file_ref = %q", out)
	}
}
