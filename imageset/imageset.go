// Package imageset loads directory-structured image datasets
// for classifier training: one sub-directory per class, each
// holding that class's images.
//
// Datasets are exposed as lazily-decoded anyff sample lists, so
// arbitrarily large image collections train in constant memory.
package imageset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
}

// An Index lists the images of a scanned dataset directory.
type Index struct {
	// Classes are the class names, sorted alphabetically.
	// A sample's label is an index into this slice.
	Classes []string

	Paths  []string
	Labels []int
}

// Scan reads a dataset directory, treating every sub-directory
// as one class and every image file inside it as one sample.
//
// It fails if the directory contains no class with at least one
// image.
func Scan(dir string) (*Index, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	var classDirs []string
	for _, ent := range entries {
		if ent.IsDir() {
			classDirs = append(classDirs, ent.Name())
		}
	}
	sort.Strings(classDirs)

	res := &Index{}
	for _, class := range classDirs {
		files, err := os.ReadDir(filepath.Join(dir, class))
		if err != nil {
			return nil, errors.Wrapf(err, "scan class %s", class)
		}
		var paths []string
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(file.Name()))
			if imageExtensions[ext] {
				paths = append(paths, filepath.Join(dir, class, file.Name()))
			}
		}
		if len(paths) == 0 {
			continue
		}
		label := len(res.Classes)
		res.Classes = append(res.Classes, class)
		for _, p := range paths {
			res.Paths = append(res.Paths, p)
			res.Labels = append(res.Labels, label)
		}
	}
	if len(res.Classes) == 0 {
		return nil, errors.Errorf("scan %s: no classes with images", dir)
	}
	return res, nil
}

// Len returns the total number of images.
func (i *Index) Len() int {
	return len(i.Paths)
}

// Counts returns the number of images per class.
func (i *Index) Counts() []int {
	res := make([]int, len(i.Classes))
	for _, label := range i.Labels {
		res[label]++
	}
	return res
}
