package ecotouch

import (
	"fmt"
	"strings"
)

// Weekly switching programs. Every circuit has two time windows per weekday, each
// with a start, an end, a temperature adjustment and an enable flag.

var scheduleDays = []string{"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY"}

var scheduleCircuits = []string{"HEATING", "COOLING", "WATER", "POOL", "MIXING1", "MIXING2", "MIXING3", "BUFFER"}

const (
	scheduleSlots = 2

	scheduleIntBase     = 1300 // 4 integer registers per window
	scheduleAnalogBase  = 800  // 1 analog register per window
	scheduleDigitalBase = 1300 // 1 digital register per window
)

// scheduleTags generates SCHEDULE_<CIRCUIT>_<DAY>_<SLOT>_{START,END,ADJUST,ENABLE}
func scheduleTags() []xTag {
	perCircuit := len(scheduleDays) * scheduleSlots
	xts := make([]xTag, 0, len(scheduleCircuits)*perCircuit*4)
	for c, circuit := range scheduleCircuits {
		for d, day := range scheduleDays {
			for s := 0; s < scheduleSlots; s++ {
				window := c*perCircuit + d*scheduleSlots + s
				reg := scheduleIntBase + window*4
				prefix := fmt.Sprintf("SCHEDULE_%s_%s_%d", circuit, day, s+1)
				xts = append(xts,
					xTag{Name: prefix + "_START", Codec: "time_of_day", Write: true,
						Addr: []string{intAddr(reg), intAddr(reg + 1)}},
					xTag{Name: prefix + "_END", Codec: "time_of_day", Write: true,
						Addr: []string{intAddr(reg + 2), intAddr(reg + 3)}},
					xTag{Name: prefix + "_ADJUST", Codec: "analog", Write: true,
						Addr: []string{fmt.Sprintf("A%d", scheduleAnalogBase+window)}},
					xTag{Name: prefix + "_ENABLE", Codec: "digital", Write: true,
						Addr: []string{fmt.Sprintf("D%d", scheduleDigitalBase+window)}},
				)
			}
		}
	}
	return xts
}

func intAddr(i int) string {
	return fmt.Sprintf("I%d", i)
}

// IsScheduleTag reports whether name belongs to a generated switching program tag
func IsScheduleTag(name string) bool {
	return strings.HasPrefix(name, "SCHEDULE_")
}
