package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// networkFile is the top-level HCL schema of a .network file.
type networkFile struct {
	Networks []*Network `hcl:"network,block"`
}

// LoadBytes parses profiles from HCL source.
func LoadBytes(filename string, data []byte) ([]*Network, error) {
	var f networkFile
	if err := hclsimple.Decode(filename, data, nil, &f); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	for _, n := range f.Networks {
		if err := n.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Networks, nil
}

// LoadFile parses profiles from a single .network file.
func LoadFile(path string) ([]*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	// hclsimple picks the parser from the extension; profile files use
	// the .network suffix, so hand it a synthetic .hcl name.
	return LoadBytes(filepath.Base(path)+".hcl", data)
}

// LoadDir loads every *.network file in dir, sorted by filename so
// match precedence is deterministic.
func LoadDir(dir string) (*ProfileSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProfileSet{}, nil
		}
		return nil, fmt.Errorf("failed to read profile dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".network") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	set := &ProfileSet{}
	for _, name := range names {
		nets, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		set.Networks = append(set.Networks, nets...)
	}
	return set, nil
}
