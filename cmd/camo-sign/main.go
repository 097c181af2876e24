// The camo-sign tool prints signed relay paths for origin URLs.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"camo-proxy-go/internal/signature"
)

type cli struct {
	Key     string   `kong:"help='Signing key, or file containing the key prefixed with @.',env='CAMO_KEY'"`
	KeyFile string   `kong:"help='File containing the signing key.',env='CAMO_KEY_FILE'"`
	Base    string   `kong:"help='Relay base URL; when set, full relay URLs are printed.',env='CAMO_BASE'"`
	URLs    []string `kong:"arg,name='url',help='Origin URLs to sign.'"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("camo-sign"),
		kong.Description("Create signed relay paths for origin image URLs."),
	)

	if err := run(os.Stdout, &c); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(w io.Writer, c *cli) error {
	key, err := loadKey(c.Key, c.KeyFile)
	if err != nil {
		return fmt.Errorf("error parsing key: %w", err)
	}

	for _, u := range c.URLs {
		s, err := signature.Encode(u, key)
		if err != nil {
			return fmt.Errorf("%s: %w", u, err)
		}
		if c.Base != "" {
			fmt.Fprintln(w, s.URL(c.Base))
			continue
		}
		fmt.Fprintf(w, "url: %v\n", u)
		fmt.Fprintf(w, "digest: %v\n", s.Digest)
		fmt.Fprintf(w, "path: %v\n", s.Path())
	}
	return nil
}

// loadKey resolves the key from --key, falling back to --key-file.
func loadKey(key, keyFile string) ([]byte, error) {
	switch {
	case key != "":
		return parseKey(key)
	case keyFile != "":
		return parseKey("@" + keyFile)
	default:
		return nil, errors.New("no key: pass --key or --key-file")
	}
}

// parseKey returns s itself, or the trimmed contents of the file it names
// when prefixed with '@'.
func parseKey(s string) ([]byte, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		k := strings.TrimSpace(string(b))
		if k == "" {
			return nil, fmt.Errorf("%s: empty key", name)
		}
		return []byte(k), nil
	}
	return []byte(s), nil
}
