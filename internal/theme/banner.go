package theme

import (
	"fmt"
	"io"
	"os"
)

// Banner returns the startup banner.
func Banner() string {
	const cyan = "\033[36m"
	const magenta = "\033[35m"
	const yellow = "\033[33m"
	const reset = "\033[0m"

	art := "" +
		"   ~>   " + magenta + "BIRDBRIDGE" + reset + "   <~\n" +
		cyan + "    __      ___________      __\n" + reset +
		cyan + "   /  \\____/           \\____/  \\\n" + reset +
		cyan + "  |  X  |   ~~~~~~~~~   |  AP  |\n" + reset +
		yellow + "  ================================\n" + reset +
		"   mirrors X accounts into the fediverse\n"
	return art
}

// PrintBanner prints the banner to stdout, unless stdout is not a terminal.
func PrintBanner() {
	if fi, err := os.Stdout.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	WriteBanner(os.Stdout)
}

func WriteBanner(w io.Writer) {
	fmt.Fprint(w, Banner())
}
