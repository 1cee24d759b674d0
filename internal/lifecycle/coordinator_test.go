package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/wharf-sh/wharf/internal/errors"
	"github.com/wharf-sh/wharf/internal/logging"
	"github.com/wharf-sh/wharf/internal/ports"
	"github.com/wharf-sh/wharf/internal/proc"
)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *ports.Registry) {
	t.Helper()
	registry := ports.NewRegistry(logging.NopLogger(),
		ports.WithProbe(func(port int) bool { return true }))
	supervisor := proc.NewSupervisor(logging.NopLogger(),
		proc.WithPollInterval(20*time.Millisecond))
	base := []Option{
		WithGracefulTimeout(time.Second),
		WithListenerPIDs(func(ctx context.Context, port int) ([]int, error) {
			return nil, nil
		}),
	}
	c := NewCoordinator(registry, supervisor, logging.NopLogger(), append(base, opts...)...)
	return c, registry
}

func TestStart_InjectsPortEnv(t *testing.T) {
	c, _ := newTestCoordinator(t)

	dir := t.TempDir()
	outPath := dir + "/env.out"

	// The child dumps the injected variables and exits.
	bundle, err := c.Start(context.Background(), StartOptions{
		Command: "sh",
		Args: []string{"-c",
			`echo "$WHARF_DASHBOARD_PORT $WHARF_TERMINAL_PORT $WHARF_CONFIG" > ` + outPath},
		Services: []Service{
			{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: 3001},
			{Name: "terminal", EnvVar: "WHARF_TERMINAL_PORT", PreferredPort: 4001},
		},
		ConfigPath:  "/tmp/wharf.yaml",
		Description: "env probe",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-bundle.Handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading child output: %v", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 3 {
		t.Fatalf("child saw %q, want three variables", string(out))
	}
	if fields[0] != strconv.Itoa(bundle.Port("dashboard")) {
		t.Errorf("WHARF_DASHBOARD_PORT = %s, want %d", fields[0], bundle.Port("dashboard"))
	}
	if fields[1] != strconv.Itoa(bundle.Port("terminal")) {
		t.Errorf("WHARF_TERMINAL_PORT = %s, want %d", fields[1], bundle.Port("terminal"))
	}
	if fields[2] != "/tmp/wharf.yaml" {
		t.Errorf("WHARF_CONFIG = %s, want /tmp/wharf.yaml", fields[2])
	}
}

func TestStart_ResolvesConfigPathToAbsolute(t *testing.T) {
	c, _ := newTestCoordinator(t)

	outPath := t.TempDir() + "/env.out"
	bundle, err := c.Start(context.Background(), StartOptions{
		Command: "sh",
		Args:    []string{"-c", `echo "$WHARF_CONFIG" > ` + outPath},
		Services: []Service{
			{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: 3001},
		},
		ConfigPath: "config.yaml",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-bundle.Handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading child output: %v", err)
	}
	got := strings.TrimSpace(string(out))
	if !filepath.IsAbs(got) {
		t.Fatalf("child saw WHARF_CONFIG=%q, want an absolute path", got)
	}
	want, err := filepath.Abs("config.yaml")
	if err != nil {
		t.Fatalf("filepath.Abs: %v", err)
	}
	if got != want {
		t.Errorf("child saw WHARF_CONFIG=%q, want %q", got, want)
	}
}

func TestStart_MissingExecutable(t *testing.T) {
	c, registry := newTestCoordinator(t)

	_, err := c.Start(context.Background(), StartOptions{
		Command:  "definitely-not-a-real-binary-xyz",
		Services: []Service{{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: 3001}},
	})
	if !errors.Is(err, errors.ErrMissingDependency) {
		t.Fatalf("err = %v, want ErrMissingDependency", err)
	}
	if !strings.Contains(err.Error(), "definitely-not-a-real-binary-xyz") {
		t.Errorf("error message should name the missing executable: %q", err.Error())
	}
	if len(registry.ClaimedPorts()) != 0 {
		t.Errorf("no ports should be claimed when the command is missing, got %v", registry.ClaimedPorts())
	}
}

func TestStart_AllocationFailureReleasesPartialPorts(t *testing.T) {
	// The second service's allocation always fails; the first service's
	// port must be handed back.
	registry := ports.NewRegistry(logging.NopLogger(),
		ports.WithMaxAttempts(1),
		ports.WithProbe(func(port int) bool { return port != 4001 }))
	supervisor := proc.NewSupervisor(logging.NopLogger())
	c := NewCoordinator(registry, supervisor, logging.NopLogger())

	_, err := c.Start(context.Background(), StartOptions{
		Command: "sh",
		Args:    []string{"-c", "true"},
		Services: []Service{
			{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: 3001},
			{Name: "terminal", EnvVar: "WHARF_TERMINAL_PORT", PreferredPort: 4001},
		},
	})
	if err == nil {
		t.Fatal("Start should fail when a service cannot get a port")
	}
	var svcErr *errors.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("err should be a ServiceError, got %T: %v", err, err)
	}
	if svcErr.Service != "terminal" {
		t.Errorf("ServiceError.Service = %q, want terminal", svcErr.Service)
	}
	if got := registry.ClaimedPorts(); len(got) != 0 {
		t.Errorf("partial allocation leaked: %v", got)
	}
}

func TestStart_NoServices(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if _, err := c.Start(context.Background(), StartOptions{Command: "sh"}); err == nil {
		t.Error("Start without services should fail validation")
	}
}

func TestStop_NothingRunning(t *testing.T) {
	c, _ := newTestCoordinator(t)

	pids, err := c.Stop(context.Background(), []int{3001, 4001})
	if err != nil {
		t.Fatalf("Stop with no listeners: %v", err)
	}
	if len(pids) != 0 {
		t.Errorf("Stop terminated %v, want none", pids)
	}

	// Second invocation is equally fine.
	if _, err := c.Stop(context.Background(), []int{3001, 4001}); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStop_DedupesPIDsAcrossPorts(t *testing.T) {
	// One process listening on both ports must be terminated once. The PID
	// does not exist, so TerminatePID succeeds trivially.
	c, _ := newTestCoordinator(t,
		WithListenerPIDs(func(ctx context.Context, port int) ([]int, error) {
			return []int{99999998}, nil
		}))

	pids, err := c.Stop(context.Background(), []int{3001, 4001})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(pids) != 1 || pids[0] != 99999998 {
		t.Errorf("Stop terminated %v, want exactly [99999998]", pids)
	}
}

func TestStop_ReleasesBundlePorts(t *testing.T) {
	c, registry := newTestCoordinator(t)

	port, err := registry.Allocate(3001)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := c.Stop(context.Background(), []int{port}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, claimed := registry.Claimed(port); claimed {
		t.Errorf("port %d still claimed after Stop", port)
	}
}

func TestProbe(t *testing.T) {
	c, _ := newTestCoordinator(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("test server port: %v", err)
	}

	// Any HTTP response counts as reachable, even a 503.
	if !c.Probe(context.Background(), port) {
		t.Error("Probe of live server = false, want true")
	}

	server.Close()
	if c.Probe(context.Background(), port) {
		t.Error("Probe of closed server = true, want false")
	}
}

func TestOpenBrowser_BestEffort(t *testing.T) {
	opened := make(chan string, 1)
	c, _ := newTestCoordinator(t,
		WithOpenURL(func(url string) error {
			opened <- url
			return nil
		}))

	bundle, err := c.Start(context.Background(), StartOptions{
		Command: "sh",
		Args:    []string{"-c", "true"},
		Services: []Service{
			{Name: "dashboard", EnvVar: "WHARF_DASHBOARD_PORT", PreferredPort: 3001},
		},
		OpenBrowser:  true,
		BrowserDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case url := <-opened:
		want := "http://localhost:" + strconv.Itoa(bundle.Port("dashboard"))
		if url != want {
			t.Errorf("opened %q, want %q", url, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("browser opener was never invoked")
	}
}

func TestPortFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		set      bool
		expected int
	}{
		{"unset falls back", "", false, 3001},
		{"valid value", "4242", true, 4242},
		{"garbage falls back", "not-a-port", true, 3001},
		{"zero falls back", "0", true, 3001},
		{"out of range falls back", "70000", true, 3001},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const varName = "WHARF_TEST_PORT"
			if tt.set {
				t.Setenv(varName, tt.value)
			} else {
				os.Unsetenv(varName)
			}
			if got := PortFromEnv(varName, 3001); got != tt.expected {
				t.Errorf("PortFromEnv = %d, want %d", got, tt.expected)
			}
		})
	}
}
