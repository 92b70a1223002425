package server

const (
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"

	ResetColor = "\033[0m"
)

var methodColors = map[string]string{
	"GET":     Green,
	"POST":    Blue,
	"OPTIONS": Cyan,
	"DELETE":  Yellow,
	"PATCH":   Magenta,
}

// colourMethod pads an HTTP method for route listings and colours it for DEV consoles
func colourMethod(method string) string {
	padded := " " + method
	for len(padded) < 8 {
		padded += " "
	}
	if colour, ok := methodColors[method]; ok {
		return colour + padded + ResetColor
	}
	return Gray + padded + ResetColor
}
