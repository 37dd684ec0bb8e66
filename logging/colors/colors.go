package colors

import "fmt"

// Color is an ANSI SGR code.
type Color int

// ANSI codes used for console output, following zerolog's console writer.
const (
	RED       Color = 31
	GREEN     Color = 32
	YELLOW    Color = 33
	BLUE      Color = 34
	MAGENTA   Color = 35
	CYAN      Color = 36
	BOLD      Color = 1
	DARK_GRAY Color = 90
)

// LEFT_ARROW is the glyph that prefixes info-level console output.
const LEFT_ARROW = "⇾"

// ColorFunc is an alias type for a coloring function that accepts anything and returns a colorized string
type ColorFunc = func(s any) string

// enabled describes whether Colorize emits ANSI escape codes.
var enabled = true

// init will ensure that ANSI coloring is enabled when the terminal supports it.
func init() {
	EnableColor()
}

// DisableColor turns off ANSI coloring for every ColorFunc.
func DisableColor() {
	enabled = false
}

// Enabled returns whether ANSI coloring is currently enabled.
func Enabled() bool {
	return enabled
}

// Colorize returns the string s wrapped in ANSI code c, or s unchanged if coloring is disabled.
func Colorize(s any, c Color) string {
	if !enabled {
		return fmt.Sprintf("%v", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

// Reset is a ColorFunc that simply returns the input as a string. It is used for resetting the color context during
// complex logging operations.
func Reset(s any) string {
	return fmt.Sprintf("%v", s)
}

// Red is a ColorFunc that returns a red-colorized string of the provided input
func Red(s any) string { return Colorize(s, RED) }

// RedBold is a ColorFunc that returns a red-bold-colorized string of the provided input
func RedBold(s any) string { return Colorize(Colorize(s, RED), BOLD) }

// Green is a ColorFunc that returns a green-colorized string of the provided input
func Green(s any) string { return Colorize(s, GREEN) }

// GreenBold is a ColorFunc that returns a green-bold-colorized string of the provided input
func GreenBold(s any) string { return Colorize(Colorize(s, GREEN), BOLD) }

// Yellow is a ColorFunc that returns a yellow-colorized string of the provided input
func Yellow(s any) string { return Colorize(s, YELLOW) }

// YellowBold is a ColorFunc that returns a yellow-bold-colorized string of the provided input
func YellowBold(s any) string { return Colorize(Colorize(s, YELLOW), BOLD) }

// BlueBold is a ColorFunc that returns a blue-bold-colorized string of the provided input
func BlueBold(s any) string { return Colorize(Colorize(s, BLUE), BOLD) }

// MagentaBold is a ColorFunc that returns a magenta-bold-colorized string of the provided input
func MagentaBold(s any) string { return Colorize(Colorize(s, MAGENTA), BOLD) }

// Cyan is a ColorFunc that returns a cyan-colorized string of the provided input
func Cyan(s any) string { return Colorize(s, CYAN) }

// CyanBold is a ColorFunc that returns a cyan-bold-colorized string of the provided input
func CyanBold(s any) string { return Colorize(Colorize(s, CYAN), BOLD) }

// Bold is a ColorFunc that returns a bolded string of the provided input
func Bold(s any) string { return Colorize(s, BOLD) }

// DarkGray is a ColorFunc that returns a dark-gray-colorized string of the provided input
func DarkGray(s any) string { return Colorize(s, DARK_GRAY) }
