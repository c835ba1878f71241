// Package normalize turns raw scraped strings into canonical cell values.
// Nothing here returns an error: malformed input degrades to an absent Value
// carrying a diagnostic.
package normalize

import "fmt"

// Value is one normalized field.
type Value struct {
	Text    string
	Present bool
	// AtLeast is set when the platform rendered the count with a "+" marker,
	// meaning the true value may be higher than Text.
	AtLeast bool
	Diag    string
}

func present(text string) Value {
	return Value{Text: text, Present: true}
}

func absent(format string, args ...interface{}) Value {
	return Value{Diag: fmt.Sprintf(format, args...)}
}
