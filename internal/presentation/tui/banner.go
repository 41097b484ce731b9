package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the serve banner with the listen address.
func PrintBanner(w io.Writer, addr, version string) {
	out := termenv.NewOutput(w)
	lines := []struct {
		text, color string
	}{
		{" _               _____    _            ", "#818cf8"},
		{"| |    _____  __| ____|__| | __ _  ___ ", "#a78bfa"},
		{"| |   / _ \\ \\/ /|  _| / _` |/ _` |/ _ \\", "#c084fc"},
		{"| |__|  __/>  < | |__| (_| | (_| |  __/", "#e879f9"},
		{"|_____\\___/_/\\_\\|_____\\__,_|\\__, |\\___|", "#f472b6"},
		{"                            |___/      ", "#fb7185"},
	}
	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, out.String(l.text).Foreground(out.Color(l.color)))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", out.String("version").Faint(), version)
	fmt.Fprintf(w, "  %s %s\n\n", out.String("listening").Faint(), addr)
}
