// internal/dialect/builtin.go
package dialect

import "time"

// Grbl11 is the GRBL 1.1 dialect (128 byte serial receive buffer)
var Grbl11 = Dialect{
	Name:         "grbl",
	Description:  "GRBL 1.1 (AVR, 128 byte receive buffer)",
	Terminator:   "\n",
	WakeUp:       "\r\n\r\n",
	RxBufferSize: 128,
	Precision:    4,
	Commands: CommandTemplates{
		Home:         "$H",
		HomeTimeout:  3 * time.Minute,
		Unlock:       "$X",
		Jog:          "$J=G91 X{dx} Y{dy} F{feed}",
		MoveAbsolute: "G90 G1 X{x} Y{y} F{feed}",
	},
	Realtime: RealtimeBytes{
		FeedHold:    '!',
		CycleStart:  '~',
		SoftReset:   0x18, // CTRL-X
		StatusQuery: '?',
		JogCancel:   0x85,
	},
	Responses: ResponsePatterns{
		OK:      `^ok$`,
		Error:   `^error:(\d+)$`,
		Alarm:   `^ALARM:(\d+)$`,
		Welcome: `^Grbl \S+`,
		Status:  `^<.*>$`,
	},
}

// GrblHAL is the grblHAL dialect (32-bit boards, 1024 byte receive buffer)
var GrblHAL = Dialect{
	Name:         "grblhal",
	Description:  "grblHAL (32-bit, 1024 byte receive buffer)",
	Terminator:   "\n",
	WakeUp:       "\r\n\r\n",
	RxBufferSize: 1024,
	Precision:    4,
	Commands: CommandTemplates{
		Home:         "$H",
		HomeTimeout:  3 * time.Minute,
		Unlock:       "$X",
		Jog:          "$J=G91 X{dx} Y{dy} F{feed}",
		MoveAbsolute: "G90 G1 X{x} Y{y} F{feed}",
	},
	Realtime: RealtimeBytes{
		FeedHold:    '!',
		CycleStart:  '~',
		SoftReset:   0x18,
		StatusQuery: '?',
		JogCancel:   0x85,
	},
	Responses: ResponsePatterns{
		OK:      `^ok$`,
		Error:   `^error:(\w+)$`,
		Alarm:   `^ALARM:(\w+)`,
		Welcome: `^Grbl(HAL)? \S+`,
		Status:  `^<.*>$`,
	},
}
