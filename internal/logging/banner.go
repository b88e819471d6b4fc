package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	dim    = "\033[2m"
)

// logoLines is the CCCC ASCII art banner printed once at daemon startup.
var logoLines = [5]string{
	`   ____ ____ ____ ____ `,
	`  / ___/ ___/ ___/ ___|`,
	` | |  | |  | |  | |    `,
	` | |__| |__| |__| |___ `,
	`  \____\____\____\____|`,
}

// PrintBanner prints the CCCC ASCII art logo followed by version and
// runtime home information. Colors are used only when stderr is a TTY.
func PrintBanner(ver, runtimeHome, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for _, line := range logoLines {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, line, reset)
		} else {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %shome%s %s   %sipc%s %s\n\n",
			dim, reset, ver, dim, reset, runtimeHome, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   home %s   ipc %s\n\n", ver, runtimeHome, addr)
	}
}
