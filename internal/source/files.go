package source

import (
	"bytes"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs are directories that never hold project sources.
var skipDirs = map[string]bool{
	"target":       true,
	"node_modules": true,
	"vendor":       true,
}

// ListFiles returns every supported source file under root, relative to root
// in slash form and sorted. If root is inside a git repository it uses git
// ls-files to respect .gitignore; otherwise it walks the filesystem.
func ListFiles(root string, exclude []string) ([]string, error) {
	paths, err := gitListFiles(root)
	if err != nil {
		paths, err = walkListFiles(root)
		if err != nil {
			return nil, err
		}
	}

	out := paths[:0]
	for _, p := range paths {
		if !excluded(p, exclude) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// excluded reports whether rel matches any exclude glob, either as a whole
// or by its base name.
func excluded(rel string, exclude []string) bool {
	for _, pattern := range exclude {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(rel, pattern) {
			return true
		}
	}
	return false
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under root, filtered to supported languages.
func gitListFiles(root string) ([]string, error) {
	// --cached: tracked files, --others: untracked files,
	// --exclude-standard: respect .gitignore, .git/info/exclude, global excludes.
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := LanguageForFile(line); ok {
			paths = append(paths, filepath.ToSlash(line))
		}
	}
	return paths, nil
}

// walkListFiles discovers files by walking the filesystem, used as a fallback
// when git is not available. Skips hidden directories and build output.
func walkListFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := LanguageForFile(path); !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}
