package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// ErrInvalidAllowlist is returned for unparseable allowlist files or patterns.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// Allowlist holds content patterns that must never be redacted.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads a TOML file of the form
//
//	[allowlist]
//	regexes = ["example-key-[0-9]+"]
//	stopwords = ["placeholder"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &Allowlist{}, nil
	}

	var doc struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, p := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, p, path, err)
		}
	}
	return &Allowlist{Regexes: doc.Allowlist.Regexes, StopWords: doc.Allowlist.StopWords}, nil
}
