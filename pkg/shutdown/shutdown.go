// Package shutdown handles fatal-exit diagnostics: on an unrecoverable
// startup or runtime error it writes a crash dump under the DB path so
// operators can inspect state after the process is gone.
package shutdown

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"capsuled/pkg/logger"
)

// Abort logs the fatal error, writes a crash dump and exits.
func Abort(contextMsg string, err error, dbPath string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	dumpPath, derr := writeCrashDump(dbPath, contextMsg, err)
	if derr != nil {
		fmt.Fprintf(os.Stderr, "failed to write crash dump: %v\n", derr)
	} else {
		logger.Info("wrote_crash_dump", "path", dumpPath)
	}
	os.Exit(2)
}

func writeCrashDump(dbPath, reason string, cause error) (string, error) {
	crashDir := "./crash"
	if dbPath != "" {
		crashDir = filepath.Join(dbPath, "state", "crash")
	}
	if err := os.MkdirAll(crashDir, 0o700); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	body := fmt.Sprintf("time: %s\nreason: %s\nerror: %v\n\ngoroutines:\n%s",
		time.Now().UTC().Format(time.RFC3339Nano), reason, cause, buf)
	if err := os.WriteFile(dumpPath, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write crash dump: %w", err)
	}
	return dumpPath, nil
}
