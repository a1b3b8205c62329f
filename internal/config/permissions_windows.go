//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions warns when the config file is readable beyond its
// owner; the file usually carries database credentials and a Slack webhook.
// On Windows the ACL is inspected through icacls.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	output, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(output))

	for _, grantee := range []string{"everyone", "authenticated users", "users", "builtin\\users"} {
		if strings.Contains(acl, grantee) {
			return fmt.Sprintf(
				"WARNING: config file %s may be readable by other users; run in PowerShell:\n"+
					"  icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n",
				path, path,
			)
		}
	}
	return ""
}
