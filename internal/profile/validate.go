package profile

import (
	"errors"
	"fmt"
	"regexp"
)

const maxNameLen = 32

// maxSocketPath is the smallest sun_path among supported platforms (darwin).
const maxSocketPath = 104

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

	ErrEmptyName = errors.New("profile name is empty")
)

// ValidateName checks that name can be used as a profile: a short lowercase
// slug that does not look like a flag and whose daemon socket path fits in a
// Unix socket address under the current base directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return ErrEmptyName
	case len(name) > maxNameLen:
		return fmt.Errorf("profile name %q is longer than %d characters", name, maxNameLen)
	case !nameRegexp.MatchString(name):
		return fmt.Errorf("invalid profile name %q: use lowercase letters, digits, '-' and '_', starting with a letter or digit", name)
	}
	if sock := SocketPath(name); len(sock) >= maxSocketPath {
		return fmt.Errorf("profile %q: socket path %s is too long (set %s to a shorter directory)", name, sock, HomeEnv)
	}
	return nil
}
