package ecotouch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatchLanguage(t *testing.T) {
	assert.Equal(t, language.German, MatchLanguage("de"))
	assert.Equal(t, language.German, MatchLanguage("de-AT"))
	assert.Equal(t, language.English, MatchLanguage("en"))
	assert.Equal(t, language.English, MatchLanguage("fr"))
	assert.Equal(t, language.English, MatchLanguage(""))
}

func TestTranslateBits(t *testing.T) {
	tg := tag(t, "INTERRUPTION_BITS")
	bits := []bool{true, false, false, false, false, false, true, false}
	assert.Equal(t, "Utility lock, Defrost", TranslateBits(language.English, tg, bits))
	assert.Equal(t, "EVU Sperre, Abtauung", TranslateBits(language.German, tg, bits))
	assert.Equal(t, "", TranslateBits(language.English, tg, make([]bool, 8)))

	unknown := &Tag{Name: "UNKNOWN_BITS", Bits: []uint{4, 9}}
	assert.Equal(t, "#9", TranslateBits(language.English, unknown, []bool{false, true}))

	relays := tag(t, "RELAY_STATES")
	assert.Equal(t, "Compressor, Heating pump", TranslateBits(language.English, relays, []bool{true, false, true}))
}
