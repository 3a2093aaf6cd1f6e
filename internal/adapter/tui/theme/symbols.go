package theme

import (
	"os"
	"strings"
)

// mark is one status glyph with its plain-ASCII stand-in.
type mark struct {
	dst     *string
	unicode string
	ascii   string
}

var marks = []mark{
	{&SymbolSuccess, "✓", "[OK]"},
	{&SymbolError, "✗", "[ERR]"},
	{&SymbolWarning, "⚠", "[!]"},
	{&SymbolInfo, "●", "[*]"},
	{&SymbolPaused, "‖", "[||]"},
	{&SymbolArrowR, "→", "->"},
	{&SymbolBullet, "•", "*"},
	{&SymbolQuestion, "?", "[?]"},
}

// ASCIIOnly reports whether status marks must stay within ASCII: forced with
// CLAWREMOTE_ASCII_SYMBOLS, or implied by a dumb terminal or an explicit
// non-UTF-8 locale. An unset locale keeps Unicode.
func ASCIIOnly() bool {
	if v := os.Getenv("CLAWREMOTE_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return true
	}
	if os.Getenv("TERM") == "dumb" {
		return true
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		// The first locale variable that is set decides.
		return !strings.Contains(val, "utf-8") && !strings.Contains(val, "utf8")
	}
	return false
}

// InitSymbols picks the glyph set for the current environment. Tests call it
// again after changing the environment.
func InitSymbols() {
	ascii := ASCIIOnly()
	for _, m := range marks {
		if ascii {
			*m.dst = m.ascii
		} else {
			*m.dst = m.unicode
		}
	}
}

func init() {
	InitSymbols()
}
