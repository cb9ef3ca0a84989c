package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets variables from a KEY=value file. Variables already set to
// a non-empty value win. It returns the number of variables it set.
func loadDotenv(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		key, val, ok, err := parseDotenvLine(sc.Text())
		if err != nil {
			return set, fmt.Errorf("dotenv %s:%d: %w", path, lineNo, err)
		}
		if !ok {
			continue
		}
		if cur, exists := os.LookupEnv(key); exists && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf("dotenv %s:%d: %w", path, lineNo, err)
		}
		set++
	}
	return set, sc.Err()
}

// parseDotenvLine reports ok=false for blank lines and comments.
func parseDotenvLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("missing '='")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, fmt.Errorf("empty key")
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		switch {
		case val[0] == '"' && val[len(val)-1] == '"':
			u, err := strconv.Unquote(val)
			if err != nil {
				return "", "", false, err
			}
			val = u
		case val[0] == '\'' && val[len(val)-1] == '\'':
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true, nil
}
