package ecotouch

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// bitNames maps tag name -> bit number -> display text
type bitNames map[string]map[uint]string

var translations = map[language.Tag]bitNames{
	language.English: {
		"ALARM_BITS": {
			0:  "High pressure",
			1:  "Low pressure",
			2:  "Motor protection compressor",
			3:  "Motor protection source pump",
			4:  "Flow switch source",
			5:  "Source temperature too low",
			6:  "Frost protection",
			7:  "Sensor error outside",
			8:  "Sensor error flow",
			9:  "Sensor error return",
			10: "Sensor error hot water",
			11: "EVD error",
			12: "Phase monitoring",
			13: "Electric heater error",
			14: "Communication error",
			15: "Power supply utility lock",
		},
		"INTERRUPTION_BITS": {
			0: "Utility lock",
			1: "Minimum run time",
			2: "Minimum pause time",
			3: "Switch on delay",
			4: "Pressure equalisation",
			5: "Source pre-run",
			6: "Defrost",
			7: "Smart grid block",
		},
		"ALARM_FLAGS": {
			0: "Operating hours exceeded",
			1: "Service due",
			2: "Filter change",
			3: "Buffer sensor missing",
			4: "Pool sensor missing",
			5: "Solar sensor missing",
			6: "Mixing circuit 1 sensor missing",
			7: "Mixing circuit 2 sensor missing",
		},
		"RELAY_STATES": {
			0:  "Compressor",
			1:  "Source pump",
			2:  "Heating pump",
			3:  "Hot water valve",
			4:  "Pool valve",
			5:  "Electric heater",
			6:  "Cooling valve",
			7:  "Alarm output",
			8:  "Solar pump",
			9:  "Mixing circuit 1 pump",
			10: "Mixing circuit 2 pump",
			11: "Mixing circuit 3 pump",
		},
	},
	language.German: {
		"ALARM_BITS": {
			0:  "Hochdruck",
			1:  "Niederdruck",
			2:  "Motorschutz Verdichter",
			3:  "Motorschutz Quellenpumpe",
			4:  "Strömungswächter Quelle",
			5:  "Quellentemperatur zu niedrig",
			6:  "Frostschutz",
			7:  "Fühlerfehler Außen",
			8:  "Fühlerfehler Vorlauf",
			9:  "Fühlerfehler Rücklauf",
			10: "Fühlerfehler Warmwasser",
			11: "EVD Fehler",
			12: "Phasenüberwachung",
			13: "Fehler Heizstab",
			14: "Kommunikationsfehler",
			15: "EVU Sperre",
		},
		"INTERRUPTION_BITS": {
			0: "EVU Sperre",
			1: "Mindestlaufzeit",
			2: "Mindestpausenzeit",
			3: "Einschaltverzögerung",
			4: "Druckausgleich",
			5: "Quellenvorlauf",
			6: "Abtauung",
			7: "Smart Grid Sperre",
		},
		"ALARM_FLAGS": {
			0: "Betriebsstunden überschritten",
			1: "Wartung fällig",
			2: "Filterwechsel",
			3: "Pufferfühler fehlt",
			4: "Poolfühler fehlt",
			5: "Solarfühler fehlt",
			6: "Fühler Mischkreis 1 fehlt",
			7: "Fühler Mischkreis 2 fehlt",
		},
		"RELAY_STATES": {
			0:  "Verdichter",
			1:  "Quellenpumpe",
			2:  "Heizungspumpe",
			3:  "Warmwasserventil",
			4:  "Poolventil",
			5:  "Heizstab",
			6:  "Kühlventil",
			7:  "Alarmausgang",
			8:  "Solarpumpe",
			9:  "Pumpe Mischkreis 1",
			10: "Pumpe Mischkreis 2",
			11: "Pumpe Mischkreis 3",
		},
	},
}

var languageMatcher = language.NewMatcher([]language.Tag{language.English, language.German})

// MatchLanguage picks the translation table for a language code like "de", "de-AT" or "en"
func MatchLanguage(code string) language.Tag {
	t, _, _ := language.ParseAcceptLanguage(code)
	if len(t) == 0 {
		return language.English
	}
	_, i, _ := languageMatcher.Match(t...)
	if i == 1 {
		return language.German
	}
	return language.English
}

// TranslateBits joins the display names of all set bits of a bitfield tag with ", "
func TranslateBits(lang language.Tag, t *Tag, bits []bool) string {
	names := translations[lang][t.Name]
	numbers := bitNumbers(t, len(bits))
	var active []string
	for i, set := range bits {
		if !set {
			continue
		}
		n, ok := names[numbers[i]]
		if !ok {
			n = fmt.Sprintf("#%d", numbers[i])
		}
		active = append(active, n)
	}
	return strings.Join(active, ", ")
}

// bitNumbers returns the bit number of each entry of a decoded bitfield
func bitNumbers(t *Tag, n int) []uint {
	if len(t.Bits) == n {
		return t.Bits
	}
	nums := make([]uint, n)
	for i := range nums {
		nums[i] = uint(i)
	}
	return nums
}
