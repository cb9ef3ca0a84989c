package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// claimPIDFile writes the current pid to path and returns a release func
// that removes the file if it still names this process. An empty path is a
// no-op. A file naming a live process is an error.
func claimPIDFile(path string) (func(), error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if pid, err := readPIDFile(path); err == nil && pidRunning(pid) {
		return nil, fmt.Errorf("pid file %q points to running process %d", path, pid)
	}

	pid := os.Getpid()
	if err := writePIDFile(path, pid); err != nil {
		return nil, err
	}
	return func() {
		if cur, err := readPIDFile(path); err == nil && cur == pid {
			_ = os.Remove(path)
		}
	}, nil
}

func writePIDFile(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	renamed := false
	defer func() {
		_ = tmp.Close()
		if !renamed {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	renamed = true
	return nil
}

func readPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %q contains invalid pid %q", path, raw)
	}
	return pid, nil
}

func pidRunning(pid int) bool {
	if pid <= 0 || isZombiePID(pid) {
		return false
	}
	return processExists(pid)
}

func isZombiePID(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name in field 2 may contain spaces; the state follows the
	// closing paren.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return false
	}
	fields := strings.Fields(s[i+1:])
	return len(fields) > 0 && fields[0] == "Z"
}
