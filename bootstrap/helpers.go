package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"iocpipe/util"
)

// EnsureWorkDir creates the scratch directory archives are extracted into
// and returns its absolute path.
func EnsureWorkDir(dir string, sugar *zap.SugaredLogger) (string, error) {
	if _, err := util.ValidateFilePath(dir, false); err != nil {
		return "", fmt.Errorf("invalid work dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir %s: %w", abs, err)
	}
	sugar.Debugw("Work directory ready", "path", abs)
	return abs, nil
}

// ClassifyConnectionError turns a connection failure to service into a
// message with likely causes and remediation steps.
func ClassifyConnectionError(err error, service, target string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s (%s) timed out.\n"+
			"  Possible causes:\n"+
			"  - %s is starting up (wait and retry)\n"+
			"  - A firewall is blocking the connection\n"+
			"  Remediation:\n"+
			"  - Check that %s is running and reachable from this host", service, target, service, service)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || containsIgnoreCase(errStr, "connection refused") {
		return fmt.Sprintf("Connection refused by %s (%s).\n"+
			"  This usually means %s is not running.\n"+
			"  Remediation:\n"+
			"  - Start %s, then rerun\n"+
			"  - Verify the address in config.yaml", service, target, service, service)
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "server selection error") {
		return fmt.Sprintf("Cannot reach any %s server for %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname in the connection string\n"+
			"  - Check DNS configuration", service, target)
	}

	if containsIgnoreCase(errStr, "authentication") || containsIgnoreCase(errStr, "auth error") || containsIgnoreCase(errStr, "denied") {
		return fmt.Sprintf("Authentication failed for %s (%s).\n"+
			"  Remediation:\n"+
			"  - Verify the credentials in the connection string\n"+
			"  - Check IOCPIPE_MONGODB_URI or the secret reference it points to", service, target)
	}

	return fmt.Sprintf("Failed to connect to %s (%s): %s\n"+
		"  Remediation:\n"+
		"  - Ensure %s is running and accessible\n"+
		"  - Verify network connectivity", service, target, util.RedactError(err), service)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsIgnoreCase(errStr, "permission denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s", absPath, absPath, parentDir)

	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another iocpipe run is writing to the same file\n"+
			"  Remediation:\n"+
			"  - Check for running processes: ps aux | grep iocpipe\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)

	case containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  - Indicators are re-ingested on the next run, so the file can be removed", absPath, absPath)

	case containsIgnoreCase(errStr, "invalid database path"):
		return fmt.Sprintf("Rejected SQLite path %s.\n"+
			"  Remediation:\n"+
			"  - Use a path without '..' segments in sqlite.path or IOCPIPE_SQLITE_PATH", dbPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
