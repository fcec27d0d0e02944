package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// abbreviations maps chat shorthand to the word the keyword lists use.
var abbreviations = map[string]string{
	"blm":    "belum",
	"blom":   "belum",
	"sdh":    "sudah",
	"udh":    "sudah",
	"udah":   "sudah",
	"dah":    "sudah",
	"tdk":    "tidak",
	"gak":    "tidak",
	"ga":     "tidak",
	"gk":     "tidak",
	"nggak":  "tidak",
	"ngga":   "tidak",
	"enggak": "tidak",
	"engga":  "tidak",
	"y":      "ya",
	"iy":     "iya",
	"yoi":    "iya",
	"okay":   "oke",
	"okey":   "oke",
	"okee":   "oke",
	"tq":     "terima kasih",
	"makasi": "makasih",
	"nnt":    "nanti",
	"ntar":   "nanti",
	"jgn":    "jangan",
	"sy":     "saya",
	"bsk":    "besok",
	"gmn":    "bagaimana",
	"gimana": "bagaimana",
	"knp":    "kenapa",
}

// Normalize lowercases text, folds accents, strips punctuation and expands abbreviations.
// Colons and dots between digits are kept so times survive; question marks become their own token.
func Normalize(text string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), text)
	if err != nil {
		folded = text
	}
	src := []rune(strings.ToLower(folded))

	var b strings.Builder
	b.Grow(len(src))
	for i, r := range src {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '?':
			b.WriteString(" ? ")
		case (r == ':' || r == '.') && i > 0 && i < len(src)-1 && unicode.IsDigit(src[i-1]) && unicode.IsDigit(src[i+1]):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for i, tok := range tokens {
		if full, ok := abbreviations[tok]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}
