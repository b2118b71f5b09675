// Package accesslist implements spec.md section 4.6's allow/deny CIDR
// rule evaluation and file loader with fsnotify hot-reload, grounded
// on the teacher's cmd/vision3/config_watcher.go (same fsnotify
// watch-loop-with-debounce shape, generalized from config/theme files
// to access rule files).
package accesslist

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// maxRuleFileBytes bounds a loaded rule file, per spec.md's
// "size cap" requirement for the file loader.
const maxRuleFileBytes = 1 << 20 // 1 MiB

// rule is a parsed allow/deny entry: either a single address or a
// CIDR prefix, for either address family.
type rule struct {
	network *net.IPNet
	single  net.IP
}

func (r rule) matches(ip net.IP) bool {
	if r.network != nil {
		return r.network.Contains(ip)
	}
	return r.single.Equal(ip)
}

func parseRule(s string) (rule, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return rule{}, fmt.Errorf("accesslist: invalid CIDR %q: %w", s, err)
		}
		return rule{network: ipnet}, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return rule{}, fmt.Errorf("accesslist: invalid address %q", s)
	}
	return rule{single: ip}, nil
}

// List holds the allow and deny rule sets and evaluates addresses
// against them per spec.md section 4.6: deny-first, then allow, then
// default allow.
type List struct {
	mu    sync.RWMutex
	allow []rule
	deny  []rule

	watcher      *fsnotify.Watcher
	watcherDone  chan struct{}
	allowFile    string
	denyFile     string
}

// New builds a List from in-memory rule strings (the allow_list /
// deny_list configuration fields in spec.md section 6).
func New(allowRules, denyRules []string) (*List, error) {
	l := &List{}
	var err error
	if l.allow, err = parseRules(allowRules); err != nil {
		return nil, err
	}
	if l.deny, err = parseRules(denyRules); err != nil {
		return nil, err
	}
	return l, nil
}

func parseRules(rules []string) ([]rule, error) {
	out := make([]rule, 0, len(rules))
	for _, s := range rules {
		r, err := parseRule(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Allowed evaluates host (an IP literal, typically extracted from a
// RemoteAddr) per spec.md's deny-first-then-allow-then-default-allow
// rule.
func (l *List) Allowed(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return true // not an address we can evaluate; fail open per default-allow
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, r := range l.deny {
		if r.matches(ip) {
			return false
		}
	}
	for _, r := range l.allow {
		if r.matches(ip) {
			return true
		}
	}
	return true
}

// LoadFile parses an access-rule file: one rule per line, blank lines
// and lines starting with '#' ignored, leading/trailing whitespace
// trimmed. path must resolve under baseDir to guard against path
// traversal; the file must not exceed maxRuleFileBytes.
func LoadFile(baseDir, path string) ([]string, error) {
	abs, err := filepath.Abs(filepath.Join(baseDir, path))
	if err != nil {
		return nil, fmt.Errorf("accesslist: resolve %q: %w", path, err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("accesslist: resolve base dir: %w", err)
	}
	if !strings.HasPrefix(abs, absBase+string(filepath.Separator)) && abs != absBase {
		return nil, fmt.Errorf("accesslist: %q escapes base directory %q", path, baseDir)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("accesslist: stat %q: %w", abs, err)
	}
	if info.Size() > maxRuleFileBytes {
		return nil, fmt.Errorf("accesslist: %q exceeds %d byte cap", abs, maxRuleFileBytes)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("accesslist: open %q: %w", abs, err)
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rules = append(rules, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("accesslist: read %q: %w", abs, err)
	}
	return rules, nil
}

// WatchFiles starts an fsnotify watch on the configured allow/deny
// files, reloading the in-memory rule sets on write/create events
// after a debounce period, following the teacher's
// cmd/vision3/config_watcher.go watch-loop shape.
func (l *List) WatchFiles(baseDir, allowFile, denyFile string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("accesslist: create watcher: %w", err)
	}

	l.watcher = w
	l.watcherDone = make(chan struct{})
	l.allowFile = allowFile
	l.denyFile = denyFile

	for _, f := range []string{allowFile, denyFile} {
		if f == "" {
			continue
		}
		abs := filepath.Join(baseDir, f)
		if err := w.Add(abs); err != nil {
			log.Printf("WARN: accesslist: failed to watch %s: %v", abs, err)
		}
	}

	go l.watchLoop(baseDir)
	return nil
}

func (l *List) watchLoop(baseDir string) {
	var debounceTimer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, func() {
				l.reload(baseDir)
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: accesslist: watcher error: %v", err)
		case <-l.watcherDone:
			return
		}
	}
}

func (l *List) reload(baseDir string) {
	var allowRules, denyRules []string
	if l.allowFile != "" {
		r, err := LoadFile(baseDir, l.allowFile)
		if err != nil {
			log.Printf("ERROR: accesslist: reload allow file: %v", err)
			return
		}
		allowRules = r
	}
	if l.denyFile != "" {
		r, err := LoadFile(baseDir, l.denyFile)
		if err != nil {
			log.Printf("ERROR: accesslist: reload deny file: %v", err)
			return
		}
		denyRules = r
	}

	allow, err := parseRules(allowRules)
	if err != nil {
		log.Printf("ERROR: accesslist: reload allow rules: %v", err)
		return
	}
	deny, err := parseRules(denyRules)
	if err != nil {
		log.Printf("ERROR: accesslist: reload deny rules: %v", err)
		return
	}

	l.mu.Lock()
	l.allow = allow
	l.deny = deny
	l.mu.Unlock()
	log.Printf("INFO: accesslist: reloaded %d allow / %d deny rules", len(allow), len(deny))
}

// Close stops the file watcher, if any.
func (l *List) Close() {
	if l.watcher == nil {
		return
	}
	close(l.watcherDone)
	l.watcher.Close()
	l.watcher = nil
}
