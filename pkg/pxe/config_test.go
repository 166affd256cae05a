package pxe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const menu = `default deploy

label deploy
kernel deploy_kernel
append initrd=deploy_ramdisk selinux=0 disk=cciss/c0d0,sda,hda,vda iscsi_target_iqn=iqn-1be26c0b-03f2-4d2e-ae87-c02d7f33c123 deployment_id=1be26c0b

label boot
kernel kernel
append initrd=ramdisk root={{ ROOT }}
`

func TestRewrite(t *testing.T) {
	got := string(Rewrite([]byte(menu), "abcd-1234"))

	want := `default boot

label deploy
kernel deploy_kernel
append initrd=deploy_ramdisk selinux=0 disk=cciss/c0d0,sda,hda,vda iscsi_target_iqn=iqn-1be26c0b-03f2-4d2e-ae87-c02d7f33c123 deployment_id=1be26c0b

label boot
kernel kernel
append initrd=ramdisk root=UUID=abcd-1234
`
	assert.Equal(t, want, got)
}

func TestRewriteIsIdempotent(t *testing.T) {
	once := Rewrite([]byte(menu), "abcd-1234")
	twice := Rewrite(once, "ffff-0000")
	assert.Equal(t, once, twice)
}

func TestRewriteKeepsOtherLinesByteIdentical(t *testing.T) {
	in := "  default indented\r\ndefault old-entry\r\nprompt 0\ttimeout 10\r\nno trailing newline"
	got := string(Rewrite([]byte(in), "u"))
	assert.Equal(t, "  default indented\r\ndefault boot\r\nprompt 0\ttimeout 10\r\nno trailing newline", got)
}

func TestSwitchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte("default old-entry\nappend root={{ ROOT }}\n"), 0o644))

	require.NoError(t, SwitchConfig(path, "abcd-1234"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "default boot\nappend root=UUID=abcd-1234\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSwitchConfigMissingFile(t *testing.T) {
	err := SwitchConfig(filepath.Join(t.TempDir(), "missing"), "abcd")
	assert.ErrorIs(t, err, os.ErrNotExist)
}
