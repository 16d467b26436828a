package statsutil

import "fmt"

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count in binary units with one decimal place,
// e.g. 1536 -> "1.5 KB". Zero and negative counts render as "0 B".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}

	size := float64(bytes)
	for _, unit := range sizeUnits {
		if size < 1024.0 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024.0
	}
	return fmt.Sprintf("%.1f PB", size)
}

// FormatUSize is FormatSize for unsigned counters reported by the daemon.
func FormatUSize(bytes uint64) string {
	if bytes > 1<<63-1 {
		bytes = 1<<63 - 1
	}
	return FormatSize(int64(bytes))
}
