package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/alert"
	hc "github.com/linnemanlabs/herald/internal/cfg"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func testConfig() hc.Config {
	return hc.Config{
		EnabledChannels:   "tg,wecom,slack",
		RouteCritical:     "tg,wecom",
		RouteWarning:      "tg",
		RouteInfo:         "wecom",
		DefaultSource:     "herald",
		SendTimeoutSec:    5,
		SidecarTimeoutSec: 5,
	}
}

func TestBuildRoutes_FlagsOnly(t *testing.T) {
	t.Parallel()

	rc, err := buildRoutes(testConfig())
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	want := []alert.ChannelID{alert.ChannelTelegram}
	if diff := cmp.Diff(want, rc.BySeverity[alert.SeverityWarning]); diff != "" {
		t.Errorf("warning route mismatch (-want +got):\n%s", diff)
	}
	if len(rc.BySource) != 0 {
		t.Errorf("BySource = %v, want empty", rc.BySource)
	}
}

func TestBuildRoutes_FileOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routes.yaml")
	data := "severity:\n  info: slack\nsources:\n  billing:\n    critical: [slack, tg]\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	c := testConfig()
	c.RoutesFile = path

	rc, err := buildRoutes(c)
	if err != nil {
		t.Fatalf("buildRoutes: %v", err)
	}
	if diff := cmp.Diff([]alert.ChannelID{alert.ChannelSlack}, rc.BySeverity[alert.SeverityInfo]); diff != "" {
		t.Errorf("info route mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]alert.ChannelID{alert.ChannelTelegram}, rc.BySeverity[alert.SeverityWarning]); diff != "" {
		t.Errorf("warning route must keep flag value (-want +got):\n%s", diff)
	}
	if got := rc.BySource["billing"][alert.SeverityCritical]; len(got) != 2 {
		t.Errorf("billing critical = %v", got)
	}
}

func TestBuildRoutes_MissingFile(t *testing.T) {
	t.Parallel()

	c := testConfig()
	c.RoutesFile = filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := buildRoutes(c); err == nil {
		t.Fatal("expected error for missing routes file")
	}
}

func TestBuildSenders_AllChannelsRegistered(t *testing.T) {
	t.Parallel()

	reg := buildSenders(testConfig())
	want := []alert.ChannelID{alert.ChannelTelegram, alert.ChannelWeCom, alert.ChannelServerChan, alert.ChannelSlack}
	if diff := cmp.Diff(want, reg.Channels()); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildForwarder_SendsBearer(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testConfig()
	c.SidecarURL = srv.URL
	c.SidecarBearerToken = "am-secret"
	fw, err := buildForwarder(c)
	if err != nil {
		t.Fatalf("buildForwarder: %v", err)
	}
	alerts := []alert.Alert{{Labels: map[string]string{"alertname": "X"}}}
	if err := fw.Push(context.Background(), alerts); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := <-gotAuth; got != "Bearer am-secret" {
		t.Errorf("authorization = %q", got)
	}
}

func TestStopComponents_SkipsNilAndContinuesOnError(t *testing.T) {
	var order []string
	rec := func(name string, err error) func(context.Context) error {
		return func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: context has no deadline", name)
			}
			order = append(order, name)
			return err
		}
	}

	stopComponents(log.Nop(), time.Second, []stopFn{
		{"api", rec("api", errors.New("boom"))},
		{"otel", nil},
		{"ops", rec("ops", nil)},
	})

	if diff := cmp.Diff([]string{"api", "ops"}, order); diff != "" {
		t.Errorf("stop order mismatch (-want +got):\n%s", diff)
	}
}

func TestStopComponents_AllNil(t *testing.T) {
	stopComponents(log.Nop(), time.Second, []stopFn{{"otel", nil}})
}
