// Package attrs reads values back out of slog argument lists, so an audit
// event can reuse the attributes its log line already carries.
package attrs

import (
	"fmt"
	"log/slog"
)

// ExtractString returns the text logged under key in a list of slog
// arguments. Both loose key/value pairs and slog.Attr entries are read.
// Values that are neither strings nor fmt.Stringers are skipped. When a key
// repeats the last value wins, as it does in the rendered log line.
func ExtractString(args []any, key string) string {
	var found string
	for i := 0; i < len(args); i++ {
		if a, ok := args[i].(slog.Attr); ok {
			if a.Key == key && a.Value.Kind() == slog.KindString {
				found = a.Value.String()
			}
			continue
		}
		k, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			continue
		}
		i++
		if k != key {
			continue
		}
		switch v := args[i].(type) {
		case string:
			found = v
		case fmt.Stringer:
			found = v.String()
		}
	}
	return found
}
