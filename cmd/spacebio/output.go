package main

import (
	"fmt"
	"io"
	"os"

	"github.com/orbitdocs/spacebio/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorDim    = "\033[2m"
	colorBold   = "\033[1m"
)

// diag receives notices and key/value lines so answers on stdout stay
// pipeable.
var diag io.Writer = os.Stderr

type notice struct {
	color string
	mark  string
}

var (
	noticeOK   = notice{colorGreen, "✓"}
	noticeWarn = notice{colorYellow, "⚠"}
	noticeFail = notice{colorRed, "✗"}
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printNotice(n notice, format string, args ...any) {
	fmt.Fprintln(diag, colorize(n.color, n.mark+" "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) { printNotice(noticeFail, format, args...) }

func printField(label, format string, args ...any) {
	fmt.Fprintf(diag, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printTurnFooter reports where a chat turn landed.
func printTurnFooter(sessionID string, cached bool) {
	if sessionID != "" {
		printField("Session", "%s", sessionID)
	}
	if cached {
		printField("Cached", "yes")
	}
}

func printSuggestions(w io.Writer, questions []string) {
	for _, q := range questions {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "?"), q)
	}
}

func printResourceRow(w io.Writer, r resourceItem) {
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, fmt.Sprintf("%4d", r.ID)), truncateRunes(r.Title, 100))
}

func printResourceHeading(w io.Writer, title, url string) {
	fmt.Fprintln(w, colorize(colorBold, title))
	fmt.Fprintln(w, colorize(colorDim, url))
	fmt.Fprintln(w)
}

// interactionLabel colors a logged turn by outcome: green answered, yellow
// answered by the non-streaming fallback, red failed.
func interactionLabel(status string, cached bool) string {
	label := status
	if cached {
		label += ",cached"
	}
	switch status {
	case storage.StatusCompleted:
		return colorize(colorGreen, label)
	case storage.StatusFallback:
		return colorize(colorYellow, label)
	case storage.StatusFailed:
		return colorize(colorRed, label)
	default:
		return label
	}
}
