package shs

import (
	"os"
	"path"
)

func findNearestFile(name string) (*os.File, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		filename := dir + "/" + name
		f, err := os.Open(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		return f, err
	}
	return nil, os.ErrNotExist
}

// NearestShsDir locates the nearest directory named ".shs", starting at the
// current directory, walking up to the root. If no directory was found,
// ErrNoShsDir is returned.
func NearestShsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		filename := dir + "/.shs"
		info, err := os.Stat(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && !info.Mode().IsDir() {
			return filename, prefixError(ErrNoShsDir, "%s not a directory", filename)
		}
		return filename, err
	}
	return "", ErrNoShsDir
}
