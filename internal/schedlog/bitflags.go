package schedlog

import (
	"bytes"
	"fmt"
)

// A BitflagChoice renders the bits under Mask as one of several exclusive
// values.
type BitflagChoice struct {
	Mask   int
	Values map[int]string
}

type BitflagValue struct {
	Value int
	Name  string
}

// BitflagFormatter renders a flag word as "a|b|c". Bits it has no name for
// are printed as a number.
type BitflagFormatter struct {
	Choices []BitflagChoice
	Flags   []BitflagValue
}

func (f *BitflagFormatter) Format(value int) string {
	var buf bytes.Buffer
	sep := func() {
		if buf.Len() > 0 {
			buf.WriteString("|")
		}
	}
	for _, choice := range f.Choices {
		masked := value & choice.Mask
		value ^= masked
		sep()
		if got, ok := choice.Values[masked]; ok {
			buf.WriteString(got)
		} else {
			fmt.Fprintf(&buf, "%d", masked)
		}
	}
	for _, flag := range f.Flags {
		if value&flag.Value == flag.Value {
			value ^= flag.Value
			sep()
			buf.WriteString(flag.Name)
		}
	}
	if value != 0 {
		sep()
		fmt.Fprintf(&buf, "%d", value)
	}
	return buf.String()
}
