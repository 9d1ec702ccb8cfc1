package filetype

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrInvalidFile = errors.New("invalid file")

// MinSize is the smallest file that could plausibly be a real asset.
const MinSize = 10

func readHeader(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

// Detect classifies a file on disk, content wins over the extension when
// it is recognized.
func Detect(path string) Type {
	header, err := readHeader(path)
	if err == nil {
		if t := FromContent(header); t != Unknown {
			return t
		}
	}
	return FromExtension(filepath.Ext(path))
}

// compatible holds the content types that may satisfy an expected type other
// than their own. illustrator files are pdf containers and eps files are
// postscript, so both can show up under a vector or source expectation.
var compatible = map[Type][]Type{
	Vector: {Document, Vector},
	Source: {Document, Vector},
}

func satisfies(expected, detected Type) bool {
	if expected == detected {
		return true
	}
	for _, t := range compatible[expected] {
		if t == detected {
			return true
		}
	}
	return false
}

func invalid(path, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidFile, filepath.Base(path), reason)
}

// Validate checks that a downloaded file exists, is big enough to be real and
// that its content agrees with expected. Pass Unknown to skip the type check.
// Content that can not be recognized is given the benefit of the doubt unless
// it is an html page.
func Validate(path string, expected Type) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return invalid(path, "file does not exist")
	}
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return invalid(path, "is a directory")
	}
	if info.Size() == 0 {
		return invalid(path, "file is empty")
	}
	if info.Size() < MinSize {
		return invalid(path, "file is too small to be valid")
	}

	if expected == Unknown || expected == "" {
		return nil
	}

	header, err := readHeader(path)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	detected := FromContent(header)
	if detected == Unknown {
		if looksLikeHTML(header) {
			return invalid(path, "got an html page instead of a file")
		}
		return nil
	}
	if !satisfies(expected, detected) {
		return invalid(path, fmt.Sprintf("type mismatch: expected %s, got %s", expected, detected))
	}
	return nil
}
