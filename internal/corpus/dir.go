package corpus

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ipalab/internal/model"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// DirSource streams the images of a directory in lexical file order. The
// image id is the file name without extension.
type DirSource struct {
	paths []string
	pos   int
}

func NewDirSource(dir string) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list image dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return &DirSource{paths: paths}, nil
}

func (s *DirSource) Len() int {
	return len(s.paths)
}

func (s *DirSource) Next(ctx context.Context) (model.LabeledImage, error) {
	if err := ctx.Err(); err != nil {
		return model.LabeledImage{}, err
	}
	if s.pos >= len(s.paths) {
		return model.LabeledImage{}, io.EOF
	}
	path := s.paths[s.pos]
	s.pos++

	f, err := os.Open(path)
	if err != nil {
		return model.LabeledImage{}, err
	}
	defer f.Close()
	return decodeImage(stem(path), f)
}

func (s *DirSource) Close() error { return nil }

func decodeImage(id string, r io.Reader) (model.LabeledImage, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return model.LabeledImage{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return model.LabeledImage{ID: id, Image: model.FromStd(img)}, nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
