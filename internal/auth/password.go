package auth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PasswordCommand resolves a password by running an operator-supplied shell
// command and capturing its standard output. The password is never logged
// and never part of a returned error.
func PasswordCommand(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("password command is empty")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("password command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("password command failed: %w", err)
	}

	password := strings.TrimRight(stdout.String(), "\r\n")
	if password == "" {
		return "", fmt.Errorf("password command produced no output")
	}
	return password, nil
}
