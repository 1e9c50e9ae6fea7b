package queue

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/visitsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const ignoreFileName = ".queueignore"

var defaultIgnoreLines = []string{
	// queue internals
	ignoreFileName,
	"*" + utils.PartSuffix,
	"*" + SidecarSuffix,
	"*.tmp",
	// office lock files
	"~$*",
	".~lock.*#",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
	"Icon\r",
}

// IgnoreList decides which names never enter or leave the queue
type IgnoreList struct {
	ignore *gitignore.GitIgnore
	rules  int
}

// LoadIgnoreList compiles the default rules plus any lines of root/.queueignore
func LoadIgnoreList(root string) *IgnoreList {
	lines := append([]string(nil), defaultIgnoreLines...)
	rules := 0

	path := filepath.Join(root, ignoreFileName)
	if file, err := os.Open(path); err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
			rules++
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("queue ignore read", "path", path, "error", err)
		} else {
			slog.Debug("queue ignore loaded", "path", path, "rules", rules)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("queue ignore open", "path", path, "error", err)
	}

	return &IgnoreList{
		ignore: gitignore.CompileIgnoreLines(lines...),
		rules:  rules,
	}
}

// ShouldIgnore matches a slash separated path relative to a staging dir
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l == nil || l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(relPath)
}
