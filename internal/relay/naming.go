package relay

import (
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// remoteNameLayout is the timestamp inserted into cloud filenames so repeat
// uploads of the same session file never collide remotely.
const remoteNameLayout = "2006-01-02_150405"

// RemoteName builds the cloud-side filename for an upload:
// "<base>_<timestamp><ext>", with the name NFC-normalized first. macOS
// clients send NFD filenames; normalizing keeps remote listings consistent.
func RemoteName(filename string, now time.Time) string {
	filename = norm.NFC.String(filename)

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	return base + "_" + now.Format(remoteNameLayout) + ext
}
