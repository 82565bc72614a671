package main

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"time"
)

// checkEngine logs whether the analysis engine command resolves and answers
// --version. It never fails startup: jobs started without a working engine end
// in an error record with troubleshooting guidance.
func checkEngine(ctx context.Context, command string) {
	path, err := exec.LookPath(command)
	if err != nil {
		slog.Warn("preflight: analysis engine not found, analyses will fail", "command", command, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		slog.Warn("preflight: analysis engine did not report a version", "path", path, "error", err)
		return
	}
	slog.Info("preflight: analysis engine ready", "path", path, "version", string(bytes.TrimSpace(out)))
}
