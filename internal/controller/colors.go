package controller

import (
	"fmt"
	"hash/fnv"
	"math"
)

// Colors is the per-process UI palette sent with process:create.
type Colors struct {
	BgColor   string `json:"bgColor"`
	TextColor string `json:"textColor"`
}

// ColorsFor derives a stable palette from a process id: the id hashes to a
// hue, rendered as a pale background and a dark text color of the same hue.
func ColorsFor(processID string) Colors {
	h := fnv.New32a()
	h.Write([]byte(processID))
	hue := float64(h.Sum32() % 360)
	return Colors{
		BgColor:   hslToHex(hue, 0.70, 0.85),
		TextColor: hslToHex(hue, 0.80, 0.25),
	}
}

func hslToHex(h, s, l float64) string {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return fmt.Sprintf("#%02x%02x%02x",
		int(math.Round((r+m)*255)),
		int(math.Round((g+m)*255)),
		int(math.Round((b+m)*255)))
}
