package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func noPaths(string) bool { return false }

func TestDetect(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		distro      string
		procVersion string
		exists      func(string) bool
		want        Platform
	}{
		{"macos", "darwin", "", "", noPaths, PlatformMacOS},
		{"windows", "windows", "", "", noPaths, PlatformWindows},
		{"freebsd", "freebsd", "", "", noPaths, PlatformUnknown},
		{"native linux", "linux", "", "Linux version 6.8.0-45-generic", noPaths, PlatformLinux},
		{"wsl2 kernel", "linux", "", "Linux version 5.15.153.1-microsoft-standard-WSL2", noPaths, PlatformWSL2},
		{"wsl1 kernel", "linux", "", "Linux version 4.4.0-19041-Microsoft", noPaths, PlatformWSL1},
		{"wsl distro with vsock", "linux", "Ubuntu", "Linux version 6.1", func(p string) bool { return p == "/dev/vsock" }, PlatformWSL2},
		{"wsl distro without hints", "linux", "Ubuntu", "", noPaths, PlatformWSL1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect(tt.goos, tt.distro, tt.procVersion, tt.exists))
		})
	}
}

func TestSupportsUnixSockets(t *testing.T) {
	assert.True(t, supportsUnixSockets(PlatformLinux))
	assert.True(t, supportsUnixSockets(PlatformWSL2))
	assert.True(t, supportsUnixSockets(PlatformMacOS))
	assert.False(t, supportsUnixSockets(PlatformWSL1))
	assert.False(t, supportsUnixSockets(PlatformWindows))
	assert.False(t, supportsUnixSockets(PlatformUnknown))
}

func TestPlatformString(t *testing.T) {
	assert.Equal(t, "WSL2", PlatformWSL2.String())
	assert.Equal(t, "Unknown", Platform("other").String())
}

const sampleMounts = `/dev/sda1 / ext4 rw,relatime 0 0
C:\134 /mnt/c 9p rw,noatime 0 0
server:/export /srv/games nfs4 rw 0 0
user@host:/data /home/op/remote fuse.sshfs rw 0 0
`

func TestMountType(t *testing.T) {
	assert.Equal(t, "ext4", mountType("/home/op/.factorio-deck/config.toml", sampleMounts))
	assert.Equal(t, "9p", mountType("/mnt/c/Users/op/config.toml", sampleMounts))
	assert.Equal(t, "nfs4", mountType("/srv/games/config.toml", sampleMounts))
	assert.Equal(t, "ext4", mountType("/srv/gamesx/config.toml", sampleMounts))
	assert.Equal(t, "fuse.sshfs", mountType("/home/op/remote/config.toml", sampleMounts))
	assert.Equal(t, "", mountType("/x", ""))
}

func TestFsnotifyWarning(t *testing.T) {
	assert.Empty(t, fsnotifyWarning("ext4"))
	assert.Contains(t, fsnotifyWarning("9p"), "9p")
	assert.Contains(t, fsnotifyWarning("nfs"), "NFS")
	assert.Contains(t, fsnotifyWarning("smbfs"), "CIFS")
	assert.Contains(t, fsnotifyWarning("fuse.sshfs"), "SSHFS")
}
