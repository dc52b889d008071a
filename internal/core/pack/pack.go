// Package pack inspects generated add-on packages (gzipped tar archives)
// without installing them: package name discovery and the field set the
// package itself declares in its conf files.
package pack

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyArchive is returned when the archive contains no entries.
	ErrEmptyArchive = errors.New("package archive is empty")

	// ErrNoPackageDir is returned when no single top-level directory exists.
	ErrNoPackageDir = errors.New("package archive has no top-level directory")
)

// =============================================================================
// Package Info
// =============================================================================

// Info is what validation needs to know about a package before install.
type Info struct {
	// Name is the top-level directory of the archive, which becomes the
	// app name once installed.
	Name string

	// DeclaredFields are the fields the package's own conf metadata claims
	// to extract, sorted and de-duplicated.
	DeclaredFields []string
}

// Inspect reads a package archive from disk and extracts its name and
// declared field set.
func Inspect(archivePath string) (*Info, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open package archive: %w", err)
	}
	defer f.Close()

	return inspect(f)
}

func inspect(r io.Reader) (*Info, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read package archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	name := ""
	fields := map[string]struct{}{}
	sawEntry := false

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read package archive: %w", err)
		}
		sawEntry = true

		clean := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if clean == "." || clean == "" {
			continue
		}

		top := clean
		if i := strings.Index(clean, "/"); i >= 0 {
			top = clean[:i]
		}
		switch {
		case name == "":
			name = top
		case name != top:
			// Multiple top-level dirs: keep the first, the install step
			// verifies registration by name anyway.
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := path.Base(clean)
		if base == "props.conf" || base == "transforms.conf" {
			declared, err := parseConfFields(tr, base)
			if err != nil {
				return nil, err
			}
			for _, fld := range declared {
				fields[fld] = struct{}{}
			}
		}
	}

	if !sawEntry {
		return nil, ErrEmptyArchive
	}
	if name == "" {
		return nil, ErrNoPackageDir
	}

	declared := make([]string, 0, len(fields))
	for fld := range fields {
		declared = append(declared, fld)
	}
	sort.Strings(declared)

	return &Info{Name: name, DeclaredFields: declared}, nil
}

// =============================================================================
// Conf Parsing
// =============================================================================

// namedGroupRe matches named capture groups in EXTRACT regexes: (?P<field>...)
// and the alternate (?<field>...) form.
var namedGroupRe = regexp.MustCompile(`\(\?P?<([A-Za-z][A-Za-z0-9_]*)>`)

// parseConfFields pulls declared field names out of a props.conf or
// transforms.conf stream. The conf format is INI-like with Splunk-specific
// keys; only the field-declaring ones matter here:
//
//	props.conf:      EXTRACT-* regex named groups, FIELDALIAS-* targets,
//	                 EVAL-<field> definitions
//	transforms.conf: FIELDS = a, b, c and REGEX named groups
func parseConfFields(r io.Reader, filename string) ([]string, error) {
	fields := map[string]struct{}{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case strings.HasPrefix(key, "EXTRACT-"), key == "REGEX":
			for _, m := range namedGroupRe.FindAllStringSubmatch(value, -1) {
				fields[m[1]] = struct{}{}
			}
		case strings.HasPrefix(key, "EVAL-"):
			fld := strings.TrimPrefix(key, "EVAL-")
			if fld != "" {
				fields[fld] = struct{}{}
			}
		case strings.HasPrefix(key, "FIELDALIAS-"):
			// "src_field AS alias" pairs; the alias is the produced field.
			for _, fld := range parseFieldAliases(value) {
				fields[fld] = struct{}{}
			}
		case key == "FIELDS":
			for _, fld := range strings.Split(value, ",") {
				fld = strings.Trim(strings.TrimSpace(fld), `"`)
				if fld != "" {
					fields[fld] = struct{}{}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	out := make([]string, 0, len(fields))
	for fld := range fields {
		out = append(out, fld)
	}
	sort.Strings(out)
	return out, nil
}

// parseFieldAliases returns the alias names from a FIELDALIAS value such as
// `src AS source_address dst AS dest_address`.
func parseFieldAliases(value string) []string {
	tokens := strings.Fields(value)
	var aliases []string
	for i, tok := range tokens {
		if strings.EqualFold(tok, "AS") && i+1 < len(tokens) {
			alias := strings.Trim(tokens[i+1], `"`)
			if alias != "" {
				aliases = append(aliases, alias)
			}
		}
	}
	return aliases
}
