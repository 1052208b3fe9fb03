package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// AuthStatus reports whether the agent CLI is usable on this machine.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	LoginMethod   string `json:"loginMethod"`
	Version       string `json:"version,omitempty"`
}

// CheckAuth probes the agent binary. A successful --version run means
// the CLI is installed and authenticated enough to invoke; the login
// method is inferred from the environment and config files.
func CheckAuth(ctx context.Context, binary string) AuthStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		return AuthStatus{Authenticated: false, LoginMethod: "none"}
	}

	return AuthStatus{
		Authenticated: true,
		LoginMethod:   detectLoginMethod(),
		Version:       strings.TrimSpace(string(out)),
	}
}

func detectLoginMethod() string {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return "api_key"
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "unknown"
	}
	for _, name := range []string{"auth.json", "settings.json"} {
		if _, err := os.Stat(filepath.Join(home, ".claude", name)); err == nil {
			return "oauth"
		}
	}
	return "unknown"
}
