package task

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// NewTaskCode builds a human-readable task code: TYPE-yyyyMMddHHmmss-XXXX.
func NewTaskCode(importType string, now time.Time) string {
	var b strings.Builder
	for _, r := range importType {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	if b.Len() == 0 {
		b.WriteString("IMPORT")
	}

	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:4]
	return b.String() + "-" + now.Format("20060102150405") + "-" + suffix
}
