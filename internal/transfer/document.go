// ABOUTME: Wire format for exported session credentials
// ABOUTME: Text files travel verbatim, anything else is base64 and listed in Encoded

package transfer

import (
	"encoding/base64"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/2389/waypost/internal/credstore"
)

const (
	authSection  = "auth/"
	cacheSection = "cache/"
)

// Document is a portable copy of one session's credentials.
type Document struct {
	SessionID  string            `json:"sessionId"`
	OriginalID string            `json:"originalId"`
	ExportedAt time.Time         `json:"exportedAt"`
	Auth       map[string]string `json:"auth"`
	Cache      map[string]string `json:"cache"`
	// Encoded lists "auth/<path>" and "cache/<path>" entries whose
	// content is base64 because it is not valid UTF-8.
	Encoded []string `json:"encoded,omitempty"`
}

// encodeFiles fills a section and returns the paths it had to base64.
func encodeFiles(section string, files credstore.Files) (map[string]string, []string) {
	out := make(map[string]string, len(files))
	var encoded []string
	for p, data := range files {
		if utf8.Valid(data) {
			out[p] = string(data)
			continue
		}
		out[p] = base64.StdEncoding.EncodeToString(data)
		encoded = append(encoded, section+p)
	}
	sort.Strings(encoded)
	return out, encoded
}

func (d *Document) decode(section string, in map[string]string) (credstore.Files, error) {
	if in == nil {
		return nil, nil
	}
	marked := make(map[string]bool, len(d.Encoded))
	for _, p := range d.Encoded {
		marked[p] = true
	}
	files := make(credstore.Files, len(in))
	for p, content := range in {
		if err := credstore.CheckPath(p); err != nil {
			return nil, err
		}
		if !marked[section+p] {
			files[p] = []byte(content)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("decoding %s%s: %w", section, p, err)
		}
		files[p] = data
	}
	return files, nil
}

// Files decodes and validates both sections.
func (d *Document) Files() (auth, cache credstore.Files, err error) {
	auth, err = d.decode(authSection, d.Auth)
	if err != nil {
		return nil, nil, err
	}
	cache, err = d.decode(cacheSection, d.Cache)
	if err != nil {
		return nil, nil, err
	}
	return auth, cache, nil
}
