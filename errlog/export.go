package errlog

import (
	"encoding/json"
	"fmt"
)

// ExportText renders the entries as indented JSON for copy/paste
// diagnostics. Extra values that cannot be encoded are rendered with %v.
func (s *Store) ExportText() string {
	return FormatEntries(s.All())
}

func FormatEntries(entries []Entry) string {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err == nil {
		return string(data)
	}

	printable := make([]Entry, len(entries))
	for i, e := range entries {
		printable[i] = e
		if e.Extra != nil {
			printable[i].Extra = make(Extra, len(e.Extra))
			for k, v := range e.Extra {
				printable[i].Extra[k] = printableValue(v)
			}
		}
	}
	data, err = json.MarshalIndent(printable, "", "  ")
	if err != nil {
		return fmt.Sprintf("[]\n// export failed: %v", err)
	}
	return string(data)
}

func printableValue(v interface{}) interface{} {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
