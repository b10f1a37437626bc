package tilecache

import (
	"fmt"
	"strconv"
	"strings"
)

// URLTemplate is an upstream tile URL containing {z}, {x} and {y}
// placeholders, e.g. "https://tiles.example.com/{z}/{x}/{y}.png".
type URLTemplate string

// Validate checks that all three placeholders are present.
func (u URLTemplate) Validate() error {
	for _, ph := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(string(u), ph) {
			return fmt.Errorf("url template %q missing %s placeholder", u, ph)
		}
	}
	return nil
}

// Expand substitutes the tile address into the template.
func (u URLTemplate) Expand(t Tile) string {
	s := strings.ReplaceAll(string(u), "{z}", strconv.FormatUint(uint64(t.Z), 10))
	s = strings.ReplaceAll(s, "{x}", strconv.FormatUint(uint64(t.X), 10))
	s = strings.ReplaceAll(s, "{y}", strconv.FormatUint(uint64(t.Y), 10))
	return s
}

// HashSibling derives the conventional hash endpoint template by inserting
// an "md5" path segment before the {z} placeholder:
//
//	.../{z}/{x}/{y}.png -> .../md5/{z}/{x}/{y}.png
func (u URLTemplate) HashSibling() URLTemplate {
	return URLTemplate(strings.Replace(string(u), "{z}", "md5/{z}", 1))
}
