// Package ui renders simbridge command output
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// UI writes styled lines to a pair of streams
type UI struct {
	out io.Writer
	err io.Writer
}

// New writes to stdout and stderr
func New() *UI {
	return NewWith(os.Stdout, os.Stderr)
}

// NewWith writes to the given streams
func NewWith(out, err io.Writer) *UI {
	return &UI{out: out, err: err}
}

func (u *UI) Success(msg string) {
	fmt.Fprintln(u.out, okStyle.Render("✓ "+msg))
}

func (u *UI) Error(msg string) {
	fmt.Fprintln(u.err, failStyle.Render("✗ "+msg))
}

func (u *UI) Warning(msg string) {
	fmt.Fprintln(u.out, warnStyle.Render("⚠ "+msg))
}

func (u *UI) Println(msg string) {
	fmt.Fprintln(u.out, msg)
}

func (u *UI) Header(title string) {
	fmt.Fprintln(u.out, headerStyle.Render(title))
}

// KeyValue prints an indented "key: value" line
func (u *UI) KeyValue(key, value string) {
	fmt.Fprintf(u.out, "  %s: %s\n", subtleStyle.Render(key), value)
}

// Step prints one step of an episode
func (u *UI) Step(n int, ok, done bool, keys int) {
	status := okStyle.Render("ok")
	if !ok {
		status = failStyle.Render("failed")
	}
	line := fmt.Sprintf("step %4d  %s  keys %d", n, status, keys)
	if done {
		line += "  " + warnStyle.Render("done")
	}
	fmt.Fprintln(u.out, line)
}

// Table collects rows and prints them with aligned columns
type Table struct {
	u       *UI
	headers []string
	rows    [][]string
}

func (u *UI) NewTable(headers ...string) *Table {
	return &Table{u: u, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the table; nothing when it has no headers
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	cells := func(row []string) []string {
		out := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			out[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return out
	}

	t.u.Println(headerStyle.Render(strings.Join(cells(t.headers), "  ")))
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}
	t.u.Println(subtleStyle.Render(strings.Join(rule, "  ")))
	for _, row := range t.rows {
		t.u.Println(strings.Join(cells(row), "  "))
	}
}
