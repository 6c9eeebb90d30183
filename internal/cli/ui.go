package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	statusStyles = map[string]lipgloss.Style{
		"pass":    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
		"warn":    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		"fail":    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		"unknown": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")),
	}
)

func renderDoctorReport(subject string, checks []doctorCheck, color bool) string {
	name := strings.TrimSpace(subject)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiStyle(titleStyle, title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		icon := "?"
		switch status {
		case "pass":
			icon = "✓"
		case "warn":
			icon = "!"
		case "fail":
			icon = "✗"
		}

		statusBlock := fmt.Sprintf("%s [%s]", icon, status)
		if color {
			statusBlock = ansiStyle(statusStyles[status], statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}

		out.WriteString(statusBlock)
		out.WriteString(" ")
		out.WriteString(checkName)
		out.WriteString(": ")
		out.WriteString(message)
		out.WriteByte('\n')
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiStyle(summaryStyle, summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')

	return out.String()
}

func shouldUseANSI(f *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Prefix = styles.Prefix.Bold(true).Foreground(lipgloss.Color("141"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

// ansiStyle renders with the style's colours even when lipgloss's own
// terminal detection says the output is not a TTY; callers have already
// decided that colour is wanted.
func ansiStyle(style lipgloss.Style, value string) string {
	return ansiWrap(styleCode(style), value)
}

func styleCode(style lipgloss.Style) string {
	code := ""
	if style.GetBold() {
		code = "1;"
	}
	if c, ok := style.GetForeground().(lipgloss.Color); ok {
		return code + "38;5;" + string(c)
	}
	return strings.TrimSuffix(code, ";")
}

func ansiWrap(code, value string) string {
	if code == "" {
		return value
	}
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
