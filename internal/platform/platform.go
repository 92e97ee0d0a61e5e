// Package platform detects host properties the controller depends on: Unix
// domain sockets for wrapper connections and inotify for config reloads.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Platform is the detected host platform.
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform. The result is cached.
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, os.Getenv("WSL_DISTRO_NAME"), readFile("/proc/version"), exists)
	})
	return detected
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func detect(goos, wslDistro, procVersion string, exists func(string) bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	isWSL := wslDistro != "" || strings.Contains(strings.ToLower(procVersion), "microsoft")
	if !isWSL {
		return PlatformLinux
	}
	// WSL2 kernels report "microsoft-standard"; WSL1 reports "Microsoft".
	if strings.Contains(procVersion, "microsoft-standard") {
		return PlatformWSL2
	}
	if strings.Contains(procVersion, "Microsoft") {
		return PlatformWSL1
	}
	if exists("/run/WSL") || exists("/dev/vsock") {
		return PlatformWSL2
	}
	return PlatformWSL1
}

// SupportsUnixSockets reports whether wrappers can reach the controller over
// a Unix domain socket.
func SupportsUnixSockets() bool {
	return supportsUnixSockets(Detect())
}

func supportsUnixSockets(p Platform) bool {
	switch p {
	case PlatformMacOS, PlatformLinux, PlatformWSL2:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where change notifications are missing or unreliable, and "" otherwise.
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	return fsnotifyWarning(mountType(absPath, readFile("/proc/mounts")))
}

// mountType returns the filesystem type of the longest mount point in
// mounts (the /proc/mounts format) that contains absPath.
func mountType(absPath, mounts string) string {
	var matchedMount, matchedType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if !withinMount(absPath, mountPoint) {
			continue
		}
		if len(mountPoint) > len(matchedMount) {
			matchedMount = mountPoint
			matchedType = fsType
		}
	}
	return matchedType
}

func withinMount(path, mountPoint string) bool {
	if mountPoint == "/" || path == mountPoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimRight(mountPoint, "/")+"/")
}

func fsnotifyWarning(fsType string) string {
	switch {
	case fsType == "9p":
		return "config is on a 9p mount (WSL2 Windows filesystem); edits are not picked up until restart"
	case fsType == "nfs" || fsType == "nfs4":
		return "config is on an NFS mount; edits may not be picked up until restart"
	case fsType == "cifs" || fsType == "smbfs":
		return "config is on a CIFS/SMB mount; edits may not be picked up until restart"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "config is on an SSHFS mount; edits are not picked up until restart"
	}
	return ""
}
