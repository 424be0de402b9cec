// Package opprovider resolves credential template secrets with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/issue-cache/credentials"
)

// DefaultBinary is the 1Password CLI executable looked up on PATH.
const DefaultBinary = "op"

// WithOnePassword registers an "op" template function that runs
// `<binary> read <ref>`. An empty binary uses DefaultBinary.
func WithOnePassword(binary string) credentials.ResolverOption {
	if binary == "" {
		binary = DefaultBinary
	}
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		cmd := exec.CommandContext(ctx, binary, "read", "--no-newline", ref)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		return strings.TrimSpace(stdout.String()), nil
	})
}
