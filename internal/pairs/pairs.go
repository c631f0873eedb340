// Package pairs reads the image pair list consumed by the optimizer.
package pairs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrMalformedLine = errors.New("malformed pair line")
	ErrMissingImage  = errors.New("image not found")
)

// Pair is an ordered pair of image paths; matches go from Img1 to Img2.
type Pair struct {
	Img1 string `json:"img1"`
	Img2 string `json:"img2"`
}

func (p Pair) String() string {
	return p.Img1 + " -> " + p.Img2
}

// Load reads a pairs file: one "a;b" or "a,b" per line, ';' taking
// precedence. Blank lines and lines starting with '#' are skipped. Relative
// paths that do not exist from the working directory are tried relative to
// the file's directory. Every path must exist.
func Load(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pairs file: %w", err)
	}
	defer f.Close()

	base := filepath.Dir(path)
	var out []Pair
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if p.Img1, err = resolve(p.Img1, base); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if p.Img2, err = resolve(p.Img2, base); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}
	return out, nil
}

// ParseLine splits one non-comment line into a pair without touching the
// file system.
func ParseLine(line string) (Pair, error) {
	sep := ","
	if strings.Contains(line, ";") {
		sep = ";"
	}
	parts := strings.Split(line, sep)
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if a == "" || b == "" {
		return Pair{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	return Pair{Img1: a, Img2: b}, nil
}

// FromSlices builds pairs from [a, b] entries, as sent by API clients.
func FromSlices(raw [][]string) ([]Pair, error) {
	out := make([]Pair, 0, len(raw))
	for i, r := range raw {
		if len(r) != 2 || r[0] == "" || r[1] == "" {
			return nil, fmt.Errorf("%w: entry %d", ErrMalformedLine, i)
		}
		out = append(out, Pair{Img1: r[0], Img2: r[1]})
	}
	return out, nil
}

// Validate checks that every referenced image exists.
func Validate(ps []Pair) error {
	for i, p := range ps {
		for _, path := range []string{p.Img1, p.Img2} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("pair %d: %w: %s", i, ErrMissingImage, path)
			}
		}
	}
	return nil
}

func resolve(p, base string) (string, error) {
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if !filepath.IsAbs(p) {
		alt := filepath.Join(base, p)
		if _, err := os.Stat(alt); err == nil {
			return alt, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMissingImage, p)
}
