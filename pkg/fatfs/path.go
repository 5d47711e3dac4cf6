package fatfs

import (
	"fmt"
	"strings"
)

// splitPath breaks a slash-separated path into components, discarding empty
// segments (so "a//b/" and "a/b" are equivalent).
func splitPath(path string) []string {
	parts := strings.Split(path, "/")

	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}

// resolveDir walks components (each naming a subdirectory) starting at the
// root, returning the first cluster of the final directory. If create is
// true, missing intermediate directories are created.
func (v *Volume) resolveDir(components []string, create bool) (uint32, error) {
	cur := v.sb.RootCluster

	for _, name := range components {
		entry, ok, err := v.findInDir(cur, name)
		if err != nil {
			return 0, err
		}

		if !ok {
			if !create {
				return 0, fmt.Errorf("fatfs: %q: %w", name, ErrNotExist)
			}

			first, err := v.fat.allocChain(1, -1)
			if err != nil {
				return 0, err
			}

			if err := v.fat.flush(); err != nil {
				return 0, err
			}

			zero := make([]byte, clusterSize)
			if _, err := v.dev.WriteAt(zero, v.sb.clusterOffset(first)); err != nil {
				return 0, fmt.Errorf("fatfs: zero new dir cluster: %w", err)
			}

			entry = dirEntry{Name: name, IsDir: true, FirstCluster: first}

			if err := v.writeEntryInDir(cur, entry); err != nil {
				return 0, err
			}

			cur = first

			continue
		}

		if !entry.IsDir {
			return 0, fmt.Errorf("fatfs: %q: %w", name, ErrNotDir)
		}

		cur = entry.FirstCluster
	}

	return cur, nil
}

// split separates path into its parent directory components and final
// element name. An empty path or one with no final element is an error.
func split(path string) (parentComponents []string, name string, err error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("fatfs: empty path")
	}

	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// MkdirAll creates path and every missing intermediate directory.
func (v *Volume) MkdirAll(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	_, err := v.resolveDir(splitPath(path), true)

	return err
}

// ReadDir lists the entries of the directory named by path (relative to
// root; "" or "/" names the root itself).
func (v *Volume) ReadDir(path string) ([]dirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cluster, err := v.resolveDir(splitPath(path), false)
	if err != nil {
		return nil, err
	}

	return v.readDirClusters(cluster)
}

// Stat reports whether path exists and, if so, its directory entry.
func (v *Volume) Stat(path string) (dirEntry, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := split(path)
	if err != nil {
		return dirEntry{}, false, err
	}

	parentCluster, err := v.resolveDir(parent, false)
	if err != nil {
		return dirEntry{}, false, nil //nolint:nilerr // missing parent means missing path
	}

	return v.findInDir(parentCluster, name)
}

// Remove deletes the file or empty directory named by path.
func (v *Volume) Remove(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := split(path)
	if err != nil {
		return err
	}

	parentCluster, err := v.resolveDir(parent, false)
	if err != nil {
		return err
	}

	entry, ok, err := v.findInDir(parentCluster, name)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("fatfs: %q: %w", path, ErrNotExist)
	}

	if entry.IsDir {
		children, err := v.readDirClusters(entry.FirstCluster)
		if err != nil {
			return err
		}

		if len(children) > 0 {
			return fmt.Errorf("fatfs: %q: directory not empty", path)
		}
	}

	if err := v.fat.freeChain(entry.FirstCluster); err != nil {
		return err
	}

	if err := v.fat.flush(); err != nil {
		return err
	}

	return v.removeEntryFromDir(parentCluster, name)
}

// Rename moves the entry at oldPath to newPath, creating newPath's parent
// directory if needed. Fails if newPath already exists.
func (v *Volume) Rename(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldParent, oldName, err := split(oldPath)
	if err != nil {
		return err
	}

	newParent, newName, err := split(newPath)
	if err != nil {
		return err
	}

	oldParentCluster, err := v.resolveDir(oldParent, false)
	if err != nil {
		return err
	}

	entry, ok, err := v.findInDir(oldParentCluster, oldName)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("fatfs: %q: %w", oldPath, ErrNotExist)
	}

	newParentCluster, err := v.resolveDir(newParent, true)
	if err != nil {
		return err
	}

	if _, exists, err := v.findInDir(newParentCluster, newName); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("fatfs: %q: %w", newPath, ErrExist)
	}

	entry.Name = newName

	if err := v.writeEntryInDir(newParentCluster, entry); err != nil {
		return err
	}

	return v.removeEntryFromDir(oldParentCluster, oldName)
}
