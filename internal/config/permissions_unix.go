//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when the config file is readable beyond its
// owner; the file usually carries database credentials and a Slack webhook.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Sprintf(
			"WARNING: config file %s is readable by other users (%04o); run: chmod 600 %s\n",
			path, mode, path,
		)
	}
	return ""
}
