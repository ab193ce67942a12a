// Package darknet builds detector networks from darknet .cfg files and
// binds their weights from darknet .weights files or from PyTorch state
// dicts laid out as module_list.<i>.Conv2d / BatchNorm2d.
package darknet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Section is one [type] block of a cfg file.
type Section struct {
	Type    string
	Line    int
	Options map[string]string
}

// ParseFile reads a cfg file.
func ParseFile(path string) ([]Section, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cfg: %w", err)
	}
	defer f.Close()
	sections, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sections, nil
}

// Parse reads cfg sections. Blank lines and lines starting with '#' or ';'
// are ignored.
func Parse(r io.Reader) ([]Section, error) {
	var sections []Section
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' || text[0] == ';' {
			continue
		}
		if text[0] == '[' {
			if !strings.HasSuffix(text, "]") {
				return nil, fmt.Errorf("line %d: unterminated section header %q", line, text)
			}
			sections = append(sections, Section{
				Type:    strings.TrimSpace(text[1 : len(text)-1]),
				Line:    line,
				Options: map[string]string{},
			})
			continue
		}
		if len(sections) == 0 {
			return nil, fmt.Errorf("line %d: option outside of a section", line)
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value, got %q", line, text)
		}
		sections[len(sections)-1].Options[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(sections) == 0 || (sections[0].Type != "net" && sections[0].Type != "network") {
		return nil, fmt.Errorf("cfg must start with a [net] section")
	}
	return sections, nil
}

// Int returns an integer option.
func (s Section) Int(key string, def int) (int, error) {
	v, ok := s.Options[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("[%s] at line %d: %s=%q is not an integer", s.Type, s.Line, key, v)
	}
	return n, nil
}

// Float returns a float option.
func (s Section) Float(key string, def float64) (float64, error) {
	v, ok := s.Options[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("[%s] at line %d: %s=%q is not a number", s.Type, s.Line, key, v)
	}
	return f, nil
}

// String returns a string option.
func (s Section) String(key, def string) string {
	if v, ok := s.Options[key]; ok {
		return v
	}
	return def
}

// Ints returns a comma-separated integer list option.
func (s Section) Ints(key string) ([]int, error) {
	v, ok := s.Options[key]
	if !ok || v == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("[%s] at line %d: %s has non-integer entry %q", s.Type, s.Line, key, f)
		}
		out = append(out, n)
	}
	return out, nil
}

// Floats returns a comma-separated float list option.
func (s Section) Floats(key string) ([]float64, error) {
	v, ok := s.Options[key]
	if !ok || v == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("[%s] at line %d: %s has non-numeric entry %q", s.Type, s.Line, key, f)
		}
		out = append(out, n)
	}
	return out, nil
}
