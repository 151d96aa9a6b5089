package clipboard

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Clipboard is the agent's persistent scratchpad: an ordered list of
// non-empty lines, addressed 1-based, that survives log rotation.
type Clipboard struct {
	path string
}

func New(path string) *Clipboard {
	return &Clipboard{path: path}
}

func (c *Clipboard) readLines() []string {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func (c *Clipboard) writeLines(lines []string) error {
	return os.WriteFile(c.path, []byte(strings.Join(lines, "\n")), 0644)
}

// Read returns the indexed scratchpad contents, or "(Empty)".
func (c *Clipboard) Read() string {
	lines := c.readLines()
	if len(lines) == 0 {
		return "(Empty)"
	}
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d. %s", i+1, line)
		if i < len(lines)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Add appends a line unless it already exists.
func (c *Clipboard) Add(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("empty clipboard item")
	}
	lines := c.readLines()
	for _, line := range lines {
		if line == content {
			return "Item already exists.", nil
		}
	}
	lines = append(lines, content)
	if err := c.writeLines(lines); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added item %d", len(lines)), nil
}

// Remove deletes the given 1-based indices. Out-of-range indices are skipped.
func (c *Clipboard) Remove(indices []int) (string, error) {
	lines := c.readLines()
	// Descending so earlier removals don't shift later indices.
	sorted := append([]int(nil), indices...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	removed := 0
	for _, idx := range sorted {
		zero := idx - 1
		if zero >= 0 && zero < len(lines) {
			lines = append(lines[:zero], lines[zero+1:]...)
			removed++
		}
	}
	if err := c.writeLines(lines); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %d item(s).", removed), nil
}

// Clear empties the scratchpad.
func (c *Clipboard) Clear() (string, error) {
	if err := c.writeLines(nil); err != nil {
		return "", err
	}
	return "Clipboard cleared.", nil
}
