// Package pxe rewrites per-node PXE boot menus.
package pxe

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fly-io/metalprov/pkg/errors"
)

// RootPlaceholder is replaced with the root filesystem reference.
const RootPlaceholder = "{{ ROOT }}"

// DefaultEntry is the menu label selected once an image has been written.
const DefaultEntry = "boot"

var defaultLine = regexp.MustCompile(`^default .*$`)

// Rewrite returns config with RootPlaceholder replaced by UUID=<rootUUID> and
// every "default ..." line replaced by "default boot". Every other byte is
// left as is.
func Rewrite(config []byte, rootUUID string) []byte {
	root := []byte("UUID=" + rootUUID)
	lines := bytes.SplitAfter(config, []byte("\n"))
	var out bytes.Buffer
	out.Grow(len(config) + len(root))

	for _, line := range lines {
		body, eol := splitEOL(line)
		body = bytes.ReplaceAll(body, []byte(RootPlaceholder), root)
		if defaultLine.Match(body) {
			body = []byte("default " + DefaultEntry)
		}
		out.Write(body)
		out.Write(eol)
	}
	return out.Bytes()
}

func splitEOL(line []byte) (body, eol []byte) {
	switch {
	case bytes.HasSuffix(line, []byte("\r\n")):
		return line[:len(line)-2], line[len(line)-2:]
	case bytes.HasSuffix(line, []byte("\n")):
		return line[:len(line)-1], line[len(line)-1:]
	default:
		return line, nil
	}
}

// SwitchConfig rewrites the boot menu at path in place to boot the deployed
// root filesystem. The file is replaced atomically and keeps its mode.
func SwitchConfig(path, rootUUID string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat boot config")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read boot config")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp boot config")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Rewrite(data, rootUUID)); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write boot config")
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to chmod boot config")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close boot config")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to replace boot config")
	}
	return nil
}
