package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Key identifies one strategic request for lookup purposes.
type Key struct {
	Fingerprint string
	Prompt      string // normalized
	Model       string
	TempBucket  int
}

// NewKey normalizes prompt and derives the fingerprint from the prompt,
// model id and temperature bucket.
func NewKey(prompt, model string, temperature float64) Key {
	norm := NormalizePrompt(prompt)
	bucket := TemperatureBucket(temperature)
	return Key{
		Fingerprint: Fingerprint(norm, model, bucket),
		Prompt:      norm,
		Model:       model,
		TempBucket:  bucket,
	}
}

// NormalizePrompt collapses whitespace runs to a single space and trims.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}

// TemperatureBucket quantizes temperature to tenths so that 0.70 and 0.7
// share cache entries.
func TemperatureBucket(t float64) int {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	return int(math.Round(t * 10))
}

// Fingerprint hashes an already-normalized prompt with its model and
// temperature bucket.
func Fingerprint(normalizedPrompt, model string, bucket int) string {
	h := sha256.New()
	h.Write([]byte(normalizedPrompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(bucket)))
	return hex.EncodeToString(h.Sum(nil))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "of": {}, "to": {}, "in": {}, "on": {}, "at": {},
	"by": {}, "for": {}, "with": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"then": {}, "that": {}, "this": {}, "it": {}, "its": {}, "as": {}, "from": {},
	"you": {}, "your": {}, "use": {}, "only": {}, "do": {}, "not": {},
}

// Tokenize splits text into a set of lowercase alphanumeric tokens with
// stopwords removed.
func Tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|. Two empty sets score 1.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
