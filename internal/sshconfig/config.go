// Package sshconfig manages the SSH client side of the rented instance: the
// host alias in ~/.ssh/config.d and its keys in known_hosts.
package sshconfig

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	// DefaultAlias is the Host alias written for the instance.
	DefaultAlias = "vast"
	// DefaultUser is the login user on Vast.ai instances.
	DefaultUser = "root"
	// DefaultForwardPort is forwarded to the same port on the instance.
	DefaultForwardPort = 8080
)

// HostEntry holds the values rendered into the host config file.
type HostEntry struct {
	// Alias is the Host name used with ssh and rsync (e.g. "vast").
	Alias string
	// HostName is the SSH proxy host assigned to the instance.
	HostName string
	// Port is the SSH port assigned to the instance.
	Port int
	// User is the remote login user.
	User string
	// LocalForwards are ports forwarded from localhost to the same port on the instance.
	LocalForwards []int
}

// hostConfigTemplate is the ssh_config(5) block for the instance.
const hostConfigTemplate = `Host {{ .Alias }}
    HostName {{ .HostName }}
    Port {{ .Port }}
    User {{ .User }}
{{- range .LocalForwards }}
    LocalForward {{ . }} localhost:{{ . }}
{{- end }}
`

var hostTmpl = template.Must(template.New("host").Parse(hostConfigTemplate))

// RenderHostConfig renders the host block for the entry.
func RenderHostConfig(entry HostEntry) (string, error) {
	if entry.Alias == "" {
		entry.Alias = DefaultAlias
	}
	if entry.User == "" {
		entry.User = DefaultUser
	}
	if strings.ContainsAny(entry.Alias, " \t*?") {
		return "", fmt.Errorf("invalid host alias %q", entry.Alias)
	}
	if entry.HostName == "" {
		return "", fmt.Errorf("host name is required")
	}
	if entry.Port <= 0 || entry.Port > 65535 {
		return "", fmt.Errorf("invalid SSH port %d", entry.Port)
	}

	var buf bytes.Buffer
	if err := hostTmpl.Execute(&buf, entry); err != nil {
		return "", fmt.Errorf("failed to execute host config template: %w", err)
	}
	return buf.String(), nil
}

// WriteHostConfig renders the entry and replaces the file at path with it.
// The parent directory is created with mode 0700 and the file with 0600.
func WriteHostConfig(path string, entry HostEntry) error {
	content, err := RenderHostConfig(entry)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create ssh config directory: %w", err)
	}
	return writeFileAtomic(path, []byte(content), 0o600)
}

// writeFileAtomic writes data to a temp file next to path and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// IncludeCovers reports whether the main ssh config at mainPath has an
// Include directive matching hostPath. Relative Include patterns resolve
// against the directory of mainPath, like ~/.ssh for the user config.
// A missing main config covers nothing.
func IncludeCovers(mainPath, hostPath string) (bool, error) {
	f, err := os.Open(mainPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	home, _ := os.UserHomeDir()
	baseDir := filepath.Dir(mainPath)
	target := filepath.Clean(hostPath)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		keyword, args := splitDirective(scanner.Text())
		if !strings.EqualFold(keyword, "include") {
			continue
		}
		for _, pattern := range args {
			if strings.HasPrefix(pattern, "~/") && home != "" {
				pattern = filepath.Join(home, pattern[2:])
			} else if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(baseDir, pattern)
			}
			if ok, _ := filepath.Match(filepath.Clean(pattern), target); ok {
				return true, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("failed to read ssh config: %w", err)
	}
	return false, nil
}

// splitDirective splits an ssh_config line into keyword and arguments.
// Both "Keyword arg" and "Keyword=arg" forms are accepted.
func splitDirective(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", nil
	}
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '='
	})
	if len(fields) == 0 {
		return "", nil
	}

	args := make([]string, 0, len(fields)-1)
	for _, a := range fields[1:] {
		args = append(args, strings.Trim(a, `"`))
	}
	return fields[0], args
}
