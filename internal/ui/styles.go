// Package ui provides TUI styling using lipgloss.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette for the TUI
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan
	ColorAccent    = lipgloss.Color("#F59E0B") // Amber

	ColorSuccess = lipgloss.Color("#10B981") // Green
	ColorWarning = lipgloss.Color("#F59E0B") // Amber
	ColorError   = lipgloss.Color("#EF4444") // Red
	ColorInfo    = lipgloss.Color("#3B82F6") // Blue

	ColorMuted      = lipgloss.Color("#6B7280") // Gray
	ColorForeground = lipgloss.Color("#F9FAFB") // Almost white
)

// StyleSet contains the styles used by the progress views and summaries
type StyleSet struct {
	Title, Heading, Muted lipgloss.Style

	Success, Warning, Error, Info lipgloss.Style

	Spinner, Checkmark, CrossMark lipgloss.Style

	Price, GPU, Endpoint lipgloss.Style

	StatusRunning, StatusStopped lipgloss.Style
}

// Styles is the global style set for the TUI
var Styles = NewStyleSet()

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

// NewStyleSet creates a new style set with default styles
func NewStyleSet() StyleSet {
	return StyleSet{
		Title:   fg(ColorPrimary).Bold(true),
		Heading: fg(ColorForeground).Bold(true),
		Muted:   fg(ColorMuted),

		Success: fg(ColorSuccess),
		Warning: fg(ColorWarning),
		Error:   fg(ColorError),
		Info:    fg(ColorInfo),

		Spinner:   fg(ColorSecondary),
		Checkmark: fg(ColorSuccess),
		CrossMark: fg(ColorError),

		Price:    fg(ColorForeground),
		GPU:      fg(ColorAccent),
		Endpoint: fg(ColorInfo),

		StatusRunning: fg(ColorSuccess),
		StatusStopped: fg(ColorMuted),
	}
}

// Icons and symbols used in the TUI
const (
	IconRunning = "●"
	IconStopped = "○"
	IconWarning = "⚠"
	IconError   = "✗"
	IconSuccess = "✓"
	IconPending = "○"
	IconWorking = "⋯"

	BoxHorizontal = "─"

	CurrencyUSD = "$"
)

// StatusIcon returns the appropriate icon and style for a status
func StatusIcon(running bool) string {
	if running {
		return Styles.StatusRunning.Render(IconRunning)
	}
	return Styles.StatusStopped.Render(IconStopped)
}

// FormatPrice formats a price in USD with the currency symbol
func FormatPrice(price float64) string {
	return Styles.Price.Render(fmt.Sprintf("%s%.2f", CurrencyUSD, price))
}

// FormatDuration formats a duration as "4h 28m", "12m" or "45s".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// Rule returns a horizontal line of the given width.
func Rule(width int) string {
	return Styles.Muted.Render(strings.Repeat(BoxHorizontal, width))
}
