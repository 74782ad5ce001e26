package entrypoint

import (
	"embed"
	"io/fs"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

//go:embed static
var assets embed.FS

// CollectStatic copies the embedded asset tree into root, replacing stale
// copies. It returns the number of files written.
func CollectStatic(root string) (int, error) {
	tree, err := fs.Sub(assets, "static")
	if err != nil {
		return 0, err
	}
	return copyTree(tree, root)
}

func copyTree(tree fs.FS, root string) (int, error) {
	copied := 0
	err := fs.WalkDir(tree, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		body, err := fs.ReadFile(tree, name)
		if err != nil {
			return err
		}
		if err := ioutil.WriteFile(target, body, 0o644); err != nil {
			return errors.Wrapf(err, "write %s", target)
		}
		copied++
		return nil
	})
	return copied, err
}
