package asset

import (
	"fmt"
	"io/fs"
	"strings"

	assethttp "github.com/meigma/worldstore/core/http"
	"github.com/meigma/worldstore/core/internal/storetype"
)

// NormalizePath converts an index path to the slash-separated form
// stored in an index. URLs are returned unchanged.
//
// Local paths are rewritten as follows:
//   - Backslashes become slashes: `tiles\grass.png` → "tiles/grass.png"
//   - Leading and trailing slashes are stripped: "/tiles/" → "tiles"
//   - Consecutive slashes collapse: "tiles//grass.png" → "tiles/grass.png"
//
// The result must name a file inside the asset root: empty paths and
// paths with "." or ".." elements fail with ErrInvalidFormat.
func NormalizePath(p string) (string, error) {
	if assethttp.IsRemote(p) {
		return p, nil
	}
	p = strings.Trim(strings.ReplaceAll(p, `\`, "/"), "/")
	parts := strings.Split(p, "/")
	result := parts[:0]
	for _, part := range parts {
		if part != "" {
			result = append(result, part)
		}
	}
	out := strings.Join(result, "/")
	if out == "" || out == "." || !fs.ValidPath(out) {
		return "", fmt.Errorf("%w: asset path %q leaves the asset root", storetype.ErrInvalidFormat, p)
	}
	return out, nil
}
