package session

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gocache "github.com/patrickmn/go-cache"
)

// ProjectLookup resolves the advisory session→project mapping from the
// on-disk session files under ~/.llmrelay/projects/<project>/<session>.jsonl.
// Results are cached with a TTL; the side channel is read-only and purely
// best-effort.
type ProjectLookup struct {
	root  string
	cache *gocache.Cache
}

// NewProjectLookup creates a lookup rooted at dir. An empty dir defaults to
// ~/.llmrelay/projects.
func NewProjectLookup(dir string) *ProjectLookup {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".llmrelay", "projects")
		}
	}
	return &ProjectLookup{
		root:  dir,
		cache: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// sessionLine is the first record of a session file; only the cwd matters
// here.
type sessionLine struct {
	CWD string `json:"cwd"`
}

// ProjectDir returns the project working directory recorded for a session,
// or empty when unknown.
func (l *ProjectLookup) ProjectDir(sessionID string) string {
	if sessionID == "" || l.root == "" {
		return ""
	}
	if cached, ok := l.cache.Get(sessionID); ok {
		return cached.(string)
	}

	dir := l.scan(sessionID)
	l.cache.SetDefault(sessionID, dir)
	return dir
}

func (l *ProjectLookup) scan(sessionID string) string {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return ""
	}
	name := sessionID + ".jsonl"
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(l.root, entry.Name(), name)
		if cwd := readCWD(path); cwd != "" {
			return cwd
		}
	}
	return ""
}

func readCWD(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var parsed sessionLine
		if err := json.Unmarshal([]byte(line), &parsed); err == nil && parsed.CWD != "" {
			return parsed.CWD
		}
	}
	return ""
}
