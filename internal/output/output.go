// Package output provides styled terminal output helpers (success, error,
// warning, mutation formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/rbeezley/ringsync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.MutationStatus]lipgloss.Style{
		models.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.StatusSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title prints a bold section heading
func Title(text string) {
	fmt.Println(titleStyle.Render(text))
}

// Subtle prints de-emphasized detail text
func Subtle(format string, args ...interface{}) {
	fmt.Println(subtleStyle.Render(fmt.Sprintf(format, args...)))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Mutation prints one queued mutation as a single line.
func Mutation(m models.Mutation) {
	status := string(m.Status)
	if style, ok := statusStyles[m.Status]; ok {
		status = style.Render(status)
	}
	line := fmt.Sprintf("%s  %s/%s  %s  %s  retries=%d",
		m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		m.Collection, m.EntityID, m.Op, status, m.RetryCount)
	if m.LastError != "" {
		line += subtleStyle.Render("  " + m.LastError)
	}
	fmt.Println(line)
}
