// Package theme provides the terminal styles used by the CLI.
// All styles use adaptive colors that work on both light and dark terminals.
//
// NO_COLOR (https://no-color.org/) is respected automatically by lipgloss via
// its color profile detection; when set, all color output is suppressed.
package theme

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"clawremote/internal/domain"
)

// --- Adaptive Color Palette ---

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	ColorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

// --- Symbol variables (set by InitSymbols in symbols.go) ---

var (
	SymbolSuccess  = "✓"
	SymbolError    = "✗"
	SymbolWarning  = "⚠"
	SymbolInfo     = "●"
	SymbolPaused   = "‖"
	SymbolArrowR   = "→"
	SymbolBullet   = "•"
	SymbolQuestion = "?"
)

// --- Base styles ---

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)

	Timestamp = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Faint(true)

	// Banner frames persistent connection problems.
	Banner = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1)

	Card = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)
)

// JobBadge renders a job status as a short colored label.
func JobBadge(st domain.JobStatus) string {
	switch st.State {
	case domain.JobRunning:
		return TextInfo.Render(SymbolInfo + " running")
	case domain.JobSuccess:
		return TextSuccess.Render(SymbolSuccess + " success")
	case domain.JobFailed:
		return TextError.Render(fmt.Sprintf("%s failed (%d)", SymbolError, st.ExitCode))
	case domain.JobPaused:
		return TextWarning.Render(SymbolPaused + " paused")
	default:
		return TextMuted.Render("idle")
	}
}

// ConnBadge renders a connection state for the status line.
func ConnBadge(st domain.ConnState) string {
	switch st {
	case domain.StateConnected:
		return TextSuccess.Render(SymbolSuccess + " connected")
	case domain.StateConnecting:
		return TextInfo.Render(SymbolArrowR + " connecting")
	case domain.StateSubscriptionRequired:
		return TextWarning.Render(SymbolWarning + " subscription required")
	case domain.StateUnauthorized:
		return TextWarning.Render(SymbolWarning + " reauthenticating")
	case domain.StateLoggedOut:
		return TextError.Render(SymbolError + " logged out")
	default:
		return TextMuted.Render("disconnected")
	}
}

// ConnBanner returns the persistent banner for states the user has to act
// on, or "" when none is needed.
func ConnBanner(st domain.ConnState) string {
	switch st {
	case domain.StateSubscriptionRequired:
		return Banner.Render(TextWarning.Render(SymbolWarning+" Subscription required") +
			"\nRemote access is paused until the account is subscribed.")
	case domain.StateLoggedOut:
		return Banner.BorderForeground(ColorError).Render(TextError.Render(SymbolError+" Logged out") +
			"\nSign in again to reconnect to the relay.")
	}
	return ""
}

// Clock renders a timestamp in the local zone.
func Clock(t time.Time) string {
	return Timestamp.Render(t.Local().Format("15:04:05"))
}
