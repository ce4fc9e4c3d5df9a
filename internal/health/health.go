package health

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// Target is a path the server depends on: the served folder, the history
// file or the map file.
type Target struct {
	Name string
	Path string
	Dir  bool
}

// Checker periodically verifies that every target is still present and
// reports the result on /health.
type Checker struct {
	targets  []Target
	interval time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	problems map[string]string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewChecker(targets []Target, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		targets:  targets,
		interval: interval,
		logger:   logger,
		problems: make(map[string]string),
		stop:     make(chan struct{}),
	}
}

// Start runs a first check synchronously, then keeps checking in the
// background until Stop.
func (c *Checker) Start() {
	c.checkAll()

	c.wg.Add(1)
	go c.checkLoop()
}

func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Checker) checkLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stop:
			return
		}
	}
}

func (c *Checker) checkAll() {
	problems := make(map[string]string)
	for _, t := range c.targets {
		if err := checkTarget(t); err != nil {
			problems[t.Name] = err.Error()
		}
	}

	c.mu.Lock()
	prev := c.problems
	c.problems = problems
	c.mu.Unlock()

	for name, msg := range problems {
		if _, seen := prev[name]; !seen {
			c.logger.Warn("dependency unhealthy", "target", name, "error", msg)
		}
	}
	for name := range prev {
		if _, still := problems[name]; !still {
			c.logger.Info("dependency recovered", "target", name)
		}
	}
}

func checkTarget(t Target) error {
	info, err := os.Stat(t.Path)
	if err != nil {
		return fmt.Errorf("%s is not accessible", t.Path)
	}
	if t.Dir && !info.IsDir() {
		return fmt.Errorf("%s is not a directory", t.Path)
	}
	if !t.Dir && !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", t.Path)
	}
	return nil
}

// Healthy reports whether the last check found no problems.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.problems) == 0
}

// Handler answers 200 {"status":"healthy"} or 503 with the failing targets.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		problems := make([]string, 0, len(c.problems))
		for name, msg := range c.problems {
			problems = append(problems, name+": "+msg)
		}
		c.mu.RUnlock()
		sort.Strings(problems)

		w.Header().Set("Content-Type", "application/json")
		if len(problems) == 0 {
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "problems": problems})
	})
}
