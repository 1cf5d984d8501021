// Package tree builds and queries the directory tree of an archive listing.
package tree

import (
	"errors"
	"path"
	"slices"
	"strings"

	"github.com/fruitsalade/zipview/pkg/models"
)

var textExts = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".csv": true, ".log": true,
	".json": true, ".xml": true, ".html": true, ".htm": true, ".cfg": true,
	".ini": true, ".plist": true, ".yaml": true, ".yml": true,
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// IsText reports whether name has a text file extension.
func IsText(name string) bool {
	return textExts[strings.ToLower(path.Ext(name))]
}

// IsImage reports whether name has an image file extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(path.Ext(name))]
}

// Build converts a flat entry list into a tree rooted at a directory node.
// Directory entries are skipped; intermediate directories are created from
// file paths. The result does not depend on the order of entries: a
// directory always wins over a file of the same name, and of two files with
// the same path the one stored later in the archive wins.
func Build(entries []models.Entry) *models.Node {
	root := models.NewDir()
	for i := range entries {
		e := &entries[i]
		if e.IsDir {
			continue
		}
		segs := splitPath(e.Path)
		if len(segs) == 0 {
			continue
		}
		insert(root, segs, e)
	}
	return root
}

func insert(root *models.Node, segs []string, e *models.Entry) {
	dir := root
	for _, seg := range segs[:len(segs)-1] {
		child := dir.Children[seg]
		if !child.IsDir() {
			// Missing, or a file shadowed by a directory of the same name.
			child = models.NewDir()
			dir.Children[seg] = child
		}
		dir = child
	}

	name := segs[len(segs)-1]
	if existing, ok := dir.Children[name]; ok {
		if existing.IsDir() || !newer(e, existing.Info) {
			return
		}
	}
	dir.Children[name] = &models.Node{
		Type: models.NodeFile,
		Info: &models.FileInfo{
			Path:           e.Path,
			Size:           e.UncompressedSize,
			CompressedSize: e.CompressedSize,
			Method:         e.Method,
			Modified:       e.Modified,
			IsText:         IsText(name),
			IsImage:        IsImage(name),
			Offset:         e.LocalHeaderOffset,
		},
	}
}

// newer orders duplicate entries by archive position, then by size.
func newer(e *models.Entry, cur *models.FileInfo) bool {
	if e.LocalHeaderOffset != cur.Offset {
		return e.LocalHeaderOffset > cur.Offset
	}
	if e.UncompressedSize != cur.Size {
		return e.UncompressedSize > cur.Size
	}
	return e.CompressedSize > cur.CompressedSize
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// FindByPath resolves a slash separated path below root.
// The empty path and "/" resolve to root itself.
func FindByPath(root *models.Node, p string) *models.Node {
	n := root
	for _, seg := range splitPath(p) {
		if !n.IsDir() {
			return nil
		}
		n = n.Children[seg]
	}
	return n
}

// CountNodes counts all nodes in a tree, root included.
func CountNodes(root *models.Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, child := range root.Children {
		count += CountNodes(child)
	}
	return count
}

// CountFiles counts the file nodes in a tree.
func CountFiles(root *models.Node) int {
	if root == nil {
		return 0
	}
	if !root.IsDir() {
		return 1
	}
	count := 0
	for _, child := range root.Children {
		count += CountFiles(child)
	}
	return count
}

// SortedNames returns the child names of a directory in lexicographic order.
func SortedNames(dir *models.Node) []string {
	if !dir.IsDir() {
		return nil
	}
	names := make([]string, 0, len(dir.Children))
	for name := range dir.Children {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// WalkFunc is called for every node below the root. Returning SkipDir from
// a directory skips its children.
type WalkFunc func(p string, n *models.Node) error

// SkipDir is returned by a WalkFunc to skip the current directory.
var SkipDir = errors.New("skip this directory")

// Walk visits the nodes below root depth first, children in lexicographic order.
func Walk(root *models.Node, fn WalkFunc) error {
	err := walk(root, "", fn)
	if errors.Is(err, SkipDir) {
		return nil
	}
	return err
}

func walk(dir *models.Node, prefix string, fn WalkFunc) error {
	for _, name := range SortedNames(dir) {
		child := dir.Children[name]
		p := BuildChildPath(prefix, name)
		if err := fn(p, child); err != nil {
			if errors.Is(err, SkipDir) && child.IsDir() {
				continue
			}
			return err
		}
		if child.IsDir() {
			if err := walk(child, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Flatten returns all file nodes keyed by their path in the tree.
func Flatten(root *models.Node) map[string]*models.FileInfo {
	result := make(map[string]*models.FileInfo)
	_ = Walk(root, func(p string, n *models.Node) error {
		if !n.IsDir() {
			result[p] = n.Info
		}
		return nil
	})
	return result
}
