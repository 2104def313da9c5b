package logging

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// lineFormatter renders entries as "YYYY/MM/DD HH:MM:SS LEVEL message".
// Extra fields other than the fatal marker are appended as key=value pairs.
type lineFormatter struct{}

func (f *lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format("2006/01/02 15:04:05"))
	b.WriteByte(' ')

	level := fromLogrusLevel(e.Level).String()
	if fatal, _ := e.Data[fatalField].(bool); fatal {
		level = "FATAL"
	}
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != fatalField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
