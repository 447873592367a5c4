package crypto

import (
	"os"
	"runtime"
	"strings"
)

// machineIDFiles are read in order on Linux and BSD.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineIdentifier returns a stable per-host identifier used to derive the
// token sealing key. It falls back to the hostname.
func MachineIdentifier() string {
	if runtime.GOOS != "darwin" && runtime.GOOS != "windows" {
		if id := readMachineID(machineIDFiles); id != "" {
			return "linux:" + id
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}

func readMachineID(paths []string) string {
	for _, p := range paths {
		if data, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}
