package cli

import (
	"fmt"
	"io"

	fcolor "github.com/fatih/color"
)

// notifyStyle pairs a symbol with the color it is printed in.
type notifyStyle struct {
	symbol string
	color  *fcolor.Color
}

var (
	styleSuccess  = notifyStyle{"✔", fcolor.New(fcolor.FgGreen)}
	styleWarning  = notifyStyle{"⚠", fcolor.New(fcolor.FgYellow)}
	styleError    = notifyStyle{"✗", fcolor.New(fcolor.FgRed)}
	styleInfo     = notifyStyle{"ℹ", fcolor.New(fcolor.FgBlue)}
	styleActivity = notifyStyle{"►", fcolor.New(fcolor.Reset)}
)

func notify(w io.Writer, style notifyStyle, format string, args ...any) {
	if w == nil {
		return
	}
	_, _ = style.color.Fprintf(w, "%s %s\n", style.symbol, fmt.Sprintf(format, args...))
}

func successf(w io.Writer, format string, args ...any)  { notify(w, styleSuccess, format, args...) }
func warningf(w io.Writer, format string, args ...any)  { notify(w, styleWarning, format, args...) }
func errorf(w io.Writer, format string, args ...any)    { notify(w, styleError, format, args...) }
func infof(w io.Writer, format string, args ...any)     { notify(w, styleInfo, format, args...) }
func activityf(w io.Writer, format string, args ...any) { notify(w, styleActivity, format, args...) }
