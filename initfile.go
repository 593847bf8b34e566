// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"plot-spooler/grbl"
)

// The init file holds user G-code sent to the controller after every
// connect+initialize, one command per line (pen calibration offsets, custom
// $ settings, and the like). Blank lines and ;-comments are skipped.

// loadInitLines reads the init file, creating it empty on first use.
func loadInitLines(path string) ([]string, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("init file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("init file %s: %w", path, err)
	}
	return lines, nil
}

// saveInitLines replaces the init file contents.
func saveInitLines(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("init file %s: %w", path, err)
	}
	return nil
}

// sendInitLines pushes the init-file commands through the protocol client,
// stopping on the first rejection.
func sendInitLines(cl *grbl.Client, path string) error {
	lines, err := loadInitLines(path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := cl.Exec(line); err != nil {
			return fmt.Errorf("init line %q: %w", line, err)
		}
	}
	if len(lines) > 0 {
		slog.Info("Sent init lines", "count", len(lines))
	}
	return nil
}
