package engine

import (
	"os"
	"strings"

	"github.com/otiai10/copy"
)

// copyOptions copy symlinks as links, skip *.lock files left behind by a
// previous engine run and make sure the copy is owner-writable so teardown
// can remove it.
var copyOptions = copy.Options{
	OnSymlink: func(string) copy.SymlinkAction { return copy.Shallow },
	Skip: func(info os.FileInfo, src, _ string) (bool, error) {
		return !info.IsDir() && strings.HasSuffix(src, ".lock"), nil
	},
	PermissionControl: copy.AddPermission(0o200),
}

// copyTree copies the asset tree src to dst.
func copyTree(src, dst string) error {
	return copy.Copy(src, dst, copyOptions)
}
